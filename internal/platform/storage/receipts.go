package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/hanko-field/storefront/internal/services"
)

const receiptContentType = "application/json; charset=utf-8"

// ObjectWriter stores a finished object.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error
}

// GCSWriter writes objects with a does-not-exist precondition so a replayed
// hook never overwrites an existing receipt.
type GCSWriter struct {
	client *gcs.Client
}

// NewGCSWriter constructs a writer backed by the provided Cloud Storage client.
func NewGCSWriter(client *gcs.Client) (*GCSWriter, error) {
	if client == nil {
		return nil, errors.New("storage writer: client is required")
	}
	return &GCSWriter{client: client}, nil
}

// WriteObject uploads data. An existing object is treated as success.
func (w *GCSWriter) WriteObject(ctx context.Context, bucket, object, contentType string, data []byte) error {
	obj := w.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "private, max-age=0"
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("storage writer: write %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("storage writer: close %s: %w", object, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "conditionNotMet")
}

// ReceiptExporter renders frozen orders into receipt documents.
type ReceiptExporter struct {
	writer ObjectWriter
	bucket string
}

// NewReceiptExporter validates the writer and bucket.
func NewReceiptExporter(writer ObjectWriter, bucket string) (*ReceiptExporter, error) {
	if writer == nil {
		return nil, errors.New("receipt exporter: writer is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("receipt exporter: bucket is required")
	}
	return &ReceiptExporter{writer: writer, bucket: bucket}, nil
}

// Export writes the receipt and returns its object path.
func (e *ReceiptExporter) Export(ctx context.Context, order services.Order) (string, error) {
	path, err := ReceiptObjectPath(string(order.Owner.Kind), order.ID)
	if err != nil {
		return "", err
	}
	data, err := RenderReceipt(order)
	if err != nil {
		return "", err
	}
	if err := e.writer.WriteObject(ctx, e.bucket, path, receiptContentType, data); err != nil {
		return "", err
	}
	return path, nil
}

// Hook adapts the exporter to the checkout post-commit hook list.
func (e *ReceiptExporter) Hook() services.CheckoutHook {
	return services.CheckoutHook{
		Name: "receipt_export",
		Run: func(ctx context.Context, order services.Order) error {
			_, err := e.Export(ctx, order)
			return err
		},
	}
}

type receiptDocument struct {
	OrderID        string         `json:"orderId"`
	PlacedAt       time.Time      `json:"placedAt"`
	Currency       string         `json:"currency"`
	Lines          []receiptLine  `json:"lines"`
	Subtotal       int64          `json:"subtotal"`
	Shipping       int64          `json:"shipping"`
	Total          int64          `json:"total"`
	ItemCount      int            `json:"itemCount"`
	ShipTo         receiptAddress `json:"shipTo"`
	TransactionRef string         `json:"transactionRef,omitempty"`
}

type receiptLine struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
}

type receiptAddress struct {
	Recipient  string   `json:"recipient"`
	Company    string   `json:"company,omitempty"`
	Lines      []string `json:"lines"`
	City       string   `json:"city"`
	Region     string   `json:"region,omitempty"`
	PostalCode string   `json:"postalCode"`
	Country    string   `json:"country"`
}

// RenderReceipt produces the receipt document. Owner identifiers are left
// out so receipts can be shared.
func RenderReceipt(order services.Order) ([]byte, error) {
	if order.ID == "" {
		return nil, errors.New("receipt exporter: order id is required")
	}
	doc := receiptDocument{
		OrderID:        order.ID,
		PlacedAt:       order.CreatedAt.UTC(),
		Currency:       order.Currency,
		Lines:          make([]receiptLine, 0, len(order.Lines)),
		Subtotal:       order.Totals.Subtotal,
		Shipping:       order.Totals.Shipping,
		Total:          order.Totals.Total,
		ItemCount:      order.Totals.ItemCount,
		TransactionRef: order.TransactionRef,
	}
	for _, line := range order.Lines {
		doc.Lines = append(doc.Lines, receiptLine{
			Code:      line.ProductCode,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			Subtotal:  line.Subtotal,
		})
	}
	addr := order.ShippingAddress
	doc.ShipTo = receiptAddress{
		Recipient:  addr.Recipient,
		Company:    addr.Company,
		Lines:      nonEmpty(addr.Line1, addr.Line2),
		City:       addr.City,
		Region:     addr.Region,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("receipt exporter: marshal: %w", err)
	}
	return append(data, '\n'), nil
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
