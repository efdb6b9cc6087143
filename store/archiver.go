package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"perpkeeper/internal/metadata"
	"perpkeeper/logger"
	"perpkeeper/models"
)

// archiveRecord is the parquet row shape of a domain event.
type archiveRecord struct {
	ID           string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind         string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market       string  `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account      string  `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Slot         int64   `parquet:"name=slot, type=INT64"`
	Seq          int64   `parquet:"name=seq, type=INT64"`
	EmittedAt    int64   `parquet:"name=emitted_at, type=INT64"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	IsMaker      bool    `parquet:"name=is_maker, type=BOOLEAN"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Size         float64 `parquet:"name=size, type=DOUBLE"`
	QuoteAmount  float64 `parquet:"name=quote_amount, type=DOUBLE"`
	FundingIndex float64 `parquet:"name=funding_index, type=DOUBLE"`
	MarkTwap     float64 `parquet:"name=mark_twap, type=DOUBLE"`
	RealizedPnl  float64 `parquet:"name=realized_pnl, type=DOUBLE"`
	Balance      float64 `parquet:"name=balance, type=DOUBLE"`
	Note         string  `parquet:"name=note, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory
// writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// ArchiverConfig holds the S3 destination and flush cadence.
type ArchiverConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	FlushInterval   time.Duration
	Compression     string
}

func (c *ArchiverConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "perpkeeper"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Minute
	}
	if c.Compression == "" {
		c.Compression = "snappy"
	}
}

// Archiver buffers domain events per market and lands them as parquet files
// in S3, maintaining table metadata alongside.
type Archiver struct {
	config      ArchiverConfig
	s3Client    *s3.Client
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]models.DomainEvent
	flushTicker *time.Ticker
	metaGen     *metadata.Generator
}

// NewArchiver builds the S3 client and metadata generator.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	cfg.applyDefaults()
	log := logger.GetLogger()

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
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

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	metaDir, err := os.MkdirTemp("", "perpkeeper-archive")
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	a := &Archiver{
		config:   cfg,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
		buffer:   make(map[string][]models.DomainEvent),
		metaGen:  metadata.NewGenerator(metaDir, fmt.Sprintf("s3://%s/%s", cfg.Bucket, cfg.Prefix)),
	}

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("archiver initialized")

	return a, nil
}

// SaveEvents buffers events for the next flush. Always fast; the actual
// upload happens on the flush cadence.
func (a *Archiver) SaveEvents(ctx context.Context, events []models.DomainEvent) error {
	a.mu.Lock()
	for _, ev := range events {
		a.buffer[ev.Market] = append(a.buffer[ev.Market], ev)
	}
	a.mu.Unlock()
	return nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.flushTicker = time.NewTicker(a.config.FlushInterval)
	a.wg.Add(1)
	go a.flushWorker()

	a.log.WithComponent("archiver").Info("archiver started")
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}

	a.log.WithComponent("archiver").Info("stopping archiver")
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]models.DomainEvent)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for market, events := range buffers {
		if len(events) == 0 {
			continue
		}
		a.processPartition(market, events)
	}
}

func (a *Archiver) processPartition(market string, events []models.DomainEvent) {
	now := time.Now().UTC()
	started := time.Now()
	key := a.generateS3Key(market, now)
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"market": market,
		"events": len(events),
		"s3_key": key,
	})

	data, err := a.createParquetFile(events)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}
	if err := a.uploadToS3(key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": a.config.Bucket}).
			Error("failed to upload to S3")
		return
	}

	logger.IncrementStoreWrite("s3", len(data))
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("partition archived")
	logger.LogPerformanceEntry(log, "archiver", "archive_partition", time.Since(started), logger.Fields{
		"file_size": len(data),
	})
	a.log.LogMetric("archiver", "events_archived", int64(len(events)), "counter", logger.Fields{
		"market": market,
	})

	df := metadata.DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", a.config.Bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: int64(len(events)),
		Partition: map[string]any{
			"market": market,
			"date":   now.Format("2006-01-02"),
		},
		Timestamp: now,
	}
	if err := a.metaGen.AddFile(df); err != nil {
		log.WithError(err).Warn("failed to update metadata")
	}
}

func (a *Archiver) generateS3Key(market string, t time.Time) string {
	key := filepath.Join(
		a.config.Prefix,
		fmt.Sprintf("market=%s", market),
		fmt.Sprintf("year=%04d", t.Year()),
		fmt.Sprintf("month=%02d", t.Month()),
		fmt.Sprintf("day=%02d", t.Day()),
		fmt.Sprintf("hour=%02d", t.Hour()),
		fmt.Sprintf("events_%s_%s.parquet", market, t.Format("20060102150405")),
	)
	return filepath.ToSlash(key)
}

func (a *Archiver) createParquetFile(events []models.DomainEvent) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(archiveRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.config.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, ev := range events {
		record := archiveRecord{
			ID:           ev.ID,
			Kind:         string(ev.Kind),
			Market:       ev.Market,
			Account:      ev.Account,
			Slot:         int64(ev.Slot),
			Seq:          int64(ev.Seq),
			EmittedAt:    ev.EmittedAt.UnixMilli(),
			Side:         ev.Side,
			IsMaker:      ev.IsMaker,
			Price:        ev.Price.InexactFloat64(),
			Size:         ev.Size.InexactFloat64(),
			QuoteAmount:  ev.QuoteAmount.InexactFloat64(),
			FundingIndex: ev.FundingIndex.InexactFloat64(),
			MarkTwap:     ev.MarkTwap.InexactFloat64(),
			RealizedPnl:  ev.RealizedPnl.InexactFloat64(),
			Balance:      ev.Balance.InexactFloat64(),
			Note:         ev.Note,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *Archiver) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  a.config.Compression,
		},
	}

	// uploads in progress must finish during shutdown
	ctx := context.WithoutCancel(a.ctx)
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.config.Bucket, err)
	}
	return nil
}
