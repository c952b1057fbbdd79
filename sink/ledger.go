package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "predictflow/config"
	"predictflow/logger"
	"predictflow/models"
)

// tradeRecord is the parquet row layout for the trade ledger.
type tradeRecord struct {
	TradeID   string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarketID  string  `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Venue     string  `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Size      float64 `parquet:"name=size, type=DOUBLE"`
	Fee       float64 `parquet:"name=fee, type=DOUBLE"`
	OrderID   string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
}

// orderRecord is the parquet row layout for the order ledger.
type orderRecord struct {
	OrderID    string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarketID   string  `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Venue      string  `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderType  string  `parquet:"name=order_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Size       float64 `parquet:"name=size, type=DOUBLE"`
	FilledSize float64 `parquet:"name=filled_size, type=DOUBLE"`
	Status     string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  int64   `parquet:"name=created_at, type=INT64"`
}

// Ledger buffers trades and orders and flushes them to local parquet
// files on a timer or once a batch fills up. When S3 is enabled each
// flushed file is also uploaded. Saves never block on I/O.
type Ledger struct {
	config   *appconfig.Config
	s3Client *s3.Client

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	trades []models.Trade
	orders []models.Order
	perfs  []models.TraderPerformance
	kick   chan struct{}
}

// NewLedger builds the ledger sink. The target directory is created up
// front so flush failures surface early.
func NewLedger(cfg *appconfig.Config) (*Ledger, error) {
	log := logger.GetLogger()

	dir := cfg.Storage.Ledger.Directory
	if dir == "" {
		dir = "data/ledger"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	l := &Ledger{
		config: cfg,
		log:    log,
		kick:   make(chan struct{}, 1),
	}

	if cfg.Storage.S3.Enabled {
		client, err := newS3Client(cfg)
		if err != nil {
			return nil, err
		}
		l.s3Client = client
	}

	log.WithComponent("ledger").WithFields(logger.Fields{
		"directory":  dir,
		"s3_enabled": cfg.Storage.S3.Enabled,
	}).Info("ledger sink initialized")

	return l, nil
}

func newS3Client(cfg *appconfig.Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsCfg), nil
}

// Start launches the flush worker.
func (l *Ledger) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("ledger sink already running")
	}
	l.running = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	runCtx := l.ctx
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushWorker(runCtx)

	l.log.WithComponent("ledger").Info("ledger sink started")
	return nil
}

// Stop flushes whatever is buffered and shuts the worker down.
func (l *Ledger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.flush("shutdown")
	l.log.WithComponent("ledger").Info("ledger sink stopped")
}

// SaveTrade buffers one trade.
func (l *Ledger) SaveTrade(trade *models.Trade) error {
	if trade == nil {
		return nil
	}
	l.mu.Lock()
	l.trades = append(l.trades, *trade)
	full := len(l.trades) >= l.batchSize()
	l.mu.Unlock()

	if full {
		l.requestFlush()
	}
	return nil
}

// SaveOrder buffers one order snapshot.
func (l *Ledger) SaveOrder(order *models.Order) error {
	if order == nil {
		return nil
	}
	l.mu.Lock()
	l.orders = append(l.orders, *order)
	full := len(l.orders) >= l.batchSize()
	l.mu.Unlock()

	if full {
		l.requestFlush()
	}
	return nil
}

// SaveTraderPerformance buffers one performance summary.
func (l *Ledger) SaveTraderPerformance(perf *models.TraderPerformance) error {
	if perf == nil {
		return nil
	}
	l.mu.Lock()
	l.perfs = append(l.perfs, *perf)
	l.mu.Unlock()
	return nil
}

func (l *Ledger) batchSize() int {
	if l.config.Storage.Ledger.BatchSize > 0 {
		return l.config.Storage.Ledger.BatchSize
	}
	return 500
}

func (l *Ledger) requestFlush() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Ledger) flushWorker(ctx context.Context) {
	defer l.wg.Done()

	interval := l.config.Storage.Ledger.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := l.log.WithComponent("ledger").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-ticker.C:
			l.flush("interval")
		case <-l.kick:
			l.flush("batch_full")
		}
	}
}

func (l *Ledger) flush(reason string) {
	l.mu.Lock()
	trades := l.trades
	orders := l.orders
	perfs := l.perfs
	l.trades = nil
	l.orders = nil
	l.perfs = nil
	l.mu.Unlock()

	if len(trades) == 0 && len(orders) == 0 && len(perfs) == 0 {
		return
	}

	log := l.log.WithComponent("ledger").WithFields(logger.Fields{
		"reason": reason,
		"trades": len(trades),
		"orders": len(orders),
		"perfs":  len(perfs),
	})
	log.Info("flushing ledger buffers")

	if len(trades) > 0 {
		l.writeBatch("trades", tradeRecords(trades), len(trades))
	}
	if len(orders) > 0 {
		l.writeBatch("orders", orderRecords(orders), len(orders))
	}
	if len(perfs) > 0 {
		l.writePerformance(perfs)
	}
}

func tradeRecords(trades []models.Trade) []interface{} {
	records := make([]interface{}, 0, len(trades))
	for _, t := range trades {
		records = append(records, tradeRecord{
			TradeID:   t.TradeID,
			MarketID:  t.MarketID,
			Venue:     string(t.Venue),
			Side:      string(t.Side),
			Price:     t.Price,
			Size:      t.Size,
			Fee:       t.Fee,
			OrderID:   t.OrderID,
			Timestamp: t.Timestamp.UnixMilli(),
		})
	}
	return records
}

func orderRecords(orders []models.Order) []interface{} {
	records := make([]interface{}, 0, len(orders))
	for _, o := range orders {
		records = append(records, orderRecord{
			OrderID:    o.OrderID,
			MarketID:   o.MarketID,
			Venue:      string(o.Venue),
			Side:       string(o.Side),
			OrderType:  string(o.OrderType),
			Price:      o.Price,
			Size:       o.Size,
			FilledSize: o.FilledSize,
			Status:     string(o.Status),
			CreatedAt:  o.CreatedAt.UnixMilli(),
		})
	}
	return records
}

// writeBatch writes one parquet file per flushed batch and uploads it to
// S3 when configured. Failures are logged, never propagated.
func (l *Ledger) writeBatch(kind string, records []interface{}, count int) {
	batchID := uuid.New().String()
	filename := fmt.Sprintf("%s_%s_%s.parquet", kind, time.Now().UTC().Format("20060102150405"), batchID[:8])
	path := filepath.Join(l.directory(), filename)

	log := l.log.WithComponent("ledger").WithFields(logger.Fields{
		"batch_id":     batchID,
		"kind":         kind,
		"record_count": count,
		"path":         path,
	})

	if err := writeParquet(path, kind, records); err != nil {
		log.WithError(err).Error("failed to write ledger batch")
		return
	}

	info, err := os.Stat(path)
	size := int64(0)
	if err == nil {
		size = info.Size()
	}
	logger.IncrementLedgerWrite(size)
	log.WithFields(logger.Fields{"file_size": size}).Info("ledger batch written")

	l.upload(path, filename, size)
}

func writeParquet(path, kind string, records []interface{}) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}

	var schema interface{}
	switch kind {
	case "trades":
		schema = new(tradeRecord)
	case "orders":
		schema = new(orderRecord)
	default:
		fw.Close()
		return fmt.Errorf("unknown ledger batch kind %q", kind)
	}

	pw, err := writer.NewParquetWriter(fw, schema, 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Close()
}

// writePerformance stores performance summaries as JSON. They are few
// and read by humans, so parquet buys nothing here.
func (l *Ledger) writePerformance(perfs []models.TraderPerformance) {
	filename := fmt.Sprintf("performance_%s.json", time.Now().UTC().Format("20060102150405"))
	path := filepath.Join(l.directory(), filename)

	log := l.log.WithComponent("ledger").WithFields(logger.Fields{"path": path})

	data, err := json.MarshalIndent(perfs, "", "  ")
	if err != nil {
		log.WithError(err).Error("failed to encode performance summaries")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.WithError(err).Error("failed to write performance file")
		return
	}
	logger.IncrementLedgerWrite(int64(len(data)))
	log.WithFields(logger.Fields{"count": len(perfs)}).Info("performance summaries written")

	l.upload(path, filename, int64(len(data)))
}

func (l *Ledger) upload(path, filename string, size int64) {
	if l.s3Client == nil {
		return
	}

	key := l.s3Key(filename)
	log := l.log.WithComponent("ledger").WithFields(logger.Fields{
		"bucket": l.config.Storage.S3.Bucket,
		"s3_key": key,
	})

	data, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Error("failed to read ledger file for upload")
		return
	}

	ctx := context.Background()
	l.mu.Lock()
	if l.ctx != nil {
		ctx = context.WithoutCancel(l.ctx)
	}
	l.mu.Unlock()

	_, err = l.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"predictflow-version": l.config.Predictflow.Version,
		},
	})
	if err != nil {
		log.WithError(err).Error("failed to upload ledger file to S3")
		return
	}

	logger.IncrementS3Upload(size)
	log.Info("ledger file uploaded to S3")
}

func (l *Ledger) s3Key(filename string) string {
	now := time.Now().UTC()
	parts := []string{}
	if prefix := l.config.Storage.S3.Prefix; prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, fmt.Sprintf("date=%s", now.Format("2006-01-02")), filename)
	return filepath.ToSlash(filepath.Join(parts...))
}

func (l *Ledger) directory() string {
	if l.config.Storage.Ledger.Directory != "" {
		return l.config.Storage.Ledger.Directory
	}
	return "data/ledger"
}
