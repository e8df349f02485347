package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/otelcol"
)

// ObjectStore is the slice of *minio.Client the exporter needs.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

var exportHeader = []string{"id", "created_at", "type", "amount", "balance_after", "description", "reference_id"}

// Exporter streams an account history to object storage as CSV.
type Exporter struct {
	ledger *Service
	store  ObjectStore
	bucket string
	prefix string
	now    func() time.Time
}

func NewExporter(ledger *Service, store *minio.Client, cfg *config.Config) *Exporter {
	e := &Exporter{
		ledger: ledger,
		bucket: cfg.Minio.BucketName,
		prefix: strings.Trim(cfg.Loyalty.ExportPrefix, "/"),
		now:    time.Now,
	}
	if store != nil {
		e.store = store
	}
	return e
}

type ExportResult struct {
	Object string `json:"object"`
	Rows   int    `json:"rows"`
}

// Export writes the full history, oldest last, to
// {prefix}/{account}/{timestamp}.csv. The CSV is produced and uploaded
// concurrently through a pipe so large histories are never buffered.
func (e *Exporter) Export(ctx context.Context, accountID string) (*ExportResult, error) {
	if err := requireAccount(accountID); err != nil {
		return nil, err
	}
	if e.store == nil {
		return nil, fmt.Errorf("history export: object storage not configured")
	}

	object := fmt.Sprintf("%s/%s.csv", accountID, e.now().UTC().Format("20060102T150405Z"))
	if e.prefix != "" {
		object = e.prefix + "/" + object
	}

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	rows := 0
	g.Go(func() error {
		err := e.write(gctx, pw, accountID, &rows)
		pw.CloseWithError(err)
		return err
	})

	g.Go(func() error {
		_, err := e.store.PutObject(gctx, e.bucket, object, pr, -1, minio.PutObjectOptions{ContentType: "text/csv"})
		pr.CloseWithError(err)
		return err
	})

	if err := g.Wait(); err != nil {
		zap.L().With(otelcol.LogFields(ctx)...).Error("history export failed",
			zap.String("account_id", accountID), zap.String("object", object), zap.Error(err))
		return nil, err
	}

	zap.L().With(otelcol.LogFields(ctx)...).Info("history exported",
		zap.String("account_id", accountID), zap.String("object", object), zap.Int("rows", rows))
	return &ExportResult{Object: object, Rows: rows}, nil
}

func (e *Exporter) write(ctx context.Context, w io.Writer, accountID string, rows *int) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}

	for txn, err := range e.ledger.History(ctx, accountID, HistoryFilter{}) {
		if err != nil {
			return err
		}
		record := []string{
			txn.ID.String(),
			txn.CreatedAt.UTC().Format(time.RFC3339),
			string(txn.Type),
			strconv.FormatInt(txn.Amount, 10),
			strconv.FormatInt(txn.BalanceAfter, 10),
			txn.Description,
			txn.reference(),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
		*rows++
	}

	cw.Flush()
	return cw.Error()
}
