package metrics

import (
	"sync/atomic"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"
)

// Counters are the process-wide proxy counters, updated with Add and
// read atomically by the publisher.
type Counters struct {
	ActiveConnections int64
	TotalRequests     int64
	Challenges        int64
	UpstreamErrors    int64
	Throughput        int64
}

var C Counters

func Add(counter *int64, delta int64) {
	atomic.AddInt64(counter, delta)
}

type Publisher struct {
	influxClient client.Client
	database     string
	host         string

	prevThroughput int64
	lastTime       time.Time
}

func NewPublisher(influxAddr, db, host string) (*Publisher, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{Addr: influxAddr})
	if err != nil {
		return nil, err
	}
	return &Publisher{
		influxClient:   c,
		database:       db,
		host:           host,
		prevThroughput: atomic.LoadInt64(&C.Throughput),
		lastTime:       time.Now(),
	}, nil
}

func (p *Publisher) Start() {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			p.publish()
		}
	}()
}

func max0(val int64) int64 {
	if val < 0 {
		return 0
	}
	return val
}

func (p *Publisher) publish() {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		zap.S().Warnf("cpu percent read failed: %v", err)
		return
	}

	vmem, err := mem.VirtualMemory()
	if err != nil {
		zap.S().Warnf("memory stats read failed: %v", err)
		return
	}

	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  p.database,
		Precision: "s",
	})
	if err != nil {
		zap.S().Warnf("batch points: %v", err)
		return
	}

	current := atomic.LoadInt64(&C.Throughput)
	now := time.Now()
	interval := now.Sub(p.lastTime).Seconds()
	var throughputBps int64
	if interval > 0 {
		throughputBps = max0(int64(float64(current-p.prevThroughput) * 8 / interval))
	}
	p.prevThroughput = current
	p.lastTime = now

	fields := map[string]interface{}{
		"cpu_percent":         cpuPercent[0],
		"memory_used":         int64(vmem.Used),
		"memory_used_percent": vmem.UsedPercent,
		"active_connections":  max0(atomic.LoadInt64(&C.ActiveConnections)),
		"total_requests":      max0(atomic.LoadInt64(&C.TotalRequests)),
		"challenges":          max0(atomic.LoadInt64(&C.Challenges)),
		"upstream_errors":     max0(atomic.LoadInt64(&C.UpstreamErrors)),
		"throughput_bps":      throughputBps,
	}

	pt, err := client.NewPoint("wikiproxy_metrics", map[string]string{"host": p.host}, fields, now)
	if err != nil {
		zap.S().Warnf("influx point: %v", err)
		return
	}
	bp.AddPoint(pt)

	if err := p.influxClient.Write(bp); err != nil {
		zap.S().Warnf("influx write: %v", err)
	}
}

func (p *Publisher) Close() error {
	return p.influxClient.Close()
}
