package stats

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"wikiproxy/internal/config"
)

const (
	tableName         = "access_logs"
	batchSize         = 10000
	flushInterval     = 5 * time.Second
	channelBufferSize = 100000
)

// AccessRecord is one proxied (or challenged) request as written to
// the audit table.
type AccessRecord struct {
	Start          int64
	Timestamp      int64
	ClientIP       string
	Host           string
	UpstreamDomain string
	Path           string
	Method         string
	Status         int32
	BytesIn        int64
	BytesOut       int64
	Challenged     bool
	Error          string
	TotalTimeMs    int64
}

var insertColumns = `(
    Timestamp, ClientIP, Host, UpstreamDomain, Path, Method, Status,
    BytesIn, BytesOut, Challenged, Error, TotalTimeMs, node_hostname
)`

var (
	buffer     chan AccessRecord
	bufferOnce sync.Once
	hostname   string
)

func initBuffer() {
	bufferOnce.Do(func() {
		buffer = make(chan AccessRecord, channelBufferSize)
		hostname, _ = os.Hostname()
	})
}

func connect() (clickhouse.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{config.Cfg.Stats.Addr},
		Auth: clickhouse.Auth{
			Username: config.Cfg.Stats.Username,
			Password: config.Cfg.Stats.Password,
			Database: config.Cfg.Stats.Database,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:  30 * time.Second,
		MaxOpenConns: 5,
		MaxIdleConns: 5,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}
	return conn, nil
}

// reconnect retries with exponential pacing, giving up after five
// retries without an answer from ClickHouse.
func reconnect() (clickhouse.Conn, error) {
	var conn clickhouse.Conn
	op := func() error {
		var err error
		conn, err = connect()
		return err
	}
	pacing := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, pacing); err != nil {
		return nil, err
	}
	return conn, nil
}

// Record queues one access record. Drops on a full buffer rather than
// blocking the request path.
func Record(rv AccessRecord) {
	if !config.Cfg.Stats.Enabled {
		return
	}
	initBuffer()

	rv.TotalTimeMs = time.Now().UnixMilli() - rv.Start

	select {
	case buffer <- rv:
	default:
		zap.S().Warn("stats buffer full, dropping record")
	}
}

func insertBatch(conn clickhouse.Conn, batch []AccessRecord) error {
	batchInsert, err := conn.PrepareBatch(context.Background(), "INSERT INTO "+tableName+" "+insertColumns)
	if err != nil {
		return err
	}

	for _, rv := range batch {
		err := batchInsert.Append(
			rv.Timestamp,
			rv.ClientIP,
			rv.Host,
			rv.UpstreamDomain,
			rv.Path,
			rv.Method,
			rv.Status,
			rv.BytesIn,
			rv.BytesOut,
			boolToUint8(rv.Challenged),
			rv.Error,
			rv.TotalTimeMs,
			hostname,
		)
		if err != nil {
			return err
		}
	}
	return batchInsert.Send()
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func processBuffer(conn clickhouse.Conn) {
	batch := make([]AccessRecord, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := insertBatch(conn, batch); err != nil {
			zap.S().Warnf("stats batch insert failed: %v", err)
			newConn, rerr := reconnect()
			if rerr != nil {
				zap.S().Errorf("stats reconnect failed: %v", rerr)
			} else {
				conn = newConn
				if err := insertBatch(conn, batch); err != nil {
					zap.S().Warnf("stats batch insert retry failed: %v", err)
				}
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case rv := <-buffer:
			batch = append(batch, rv)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Start connects the audit sink and begins draining the buffer. No-op
// when stats are disabled.
func Start() {
	if !config.Cfg.Stats.Enabled {
		return
	}
	initBuffer()

	conn, err := connect()
	if err != nil {
		zap.S().Errorf("stats sink unavailable: %v", err)
		return
	}
	zap.S().Info("stats sink connected")

	go processBuffer(conn)
}

// NewRecord stamps a record with the request start time, off the
// coarse clock when it is running.
func NewRecord() AccessRecord {
	now := time.Now()
	if config.Ct != nil {
		now = config.Ct.CurrentTime()
	}
	return AccessRecord{
		Start:     now.UnixMilli(),
		Timestamp: now.Unix(),
	}
}
