// Package store publishes run results to the central store: the inventory
// object in S3 and the tracking record in DynamoDB, both written with a
// credential delegated by the store's own account.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/taginventory/internal/errs"
	"github.com/yairfalse/taginventory/pkg/resource"
)

// Tracking record attributes.
const (
	attrRunID         = "run_id"
	attrStatus        = "status"
	attrAccount       = "account"
	attrResourceCount = "resource_count"
	attrObjectKey     = "object_key"
	attrUpdatedAt     = "updated_at"
	attrManifest      = "manifest"
)

// notFinal admits a put only when no finalized record exists for the run.
const notFinal = "attribute_not_exists(#run_id) OR NOT (#status IN (:succeeded, :partial))"

// Config locates the central store.
type Config struct {
	Bucket string
	Prefix string
	Table  string
}

// Writer publishes a run's inventory and tracking record.
type Writer struct {
	delegator *Delegator
	clients   ClientFactory
	cfg       Config
	tracer    trace.Tracer
	delivery  func() string
}

// NewWriter creates a writer. clients is called once per write with the
// credential delegated for that write.
func NewWriter(delegator *Delegator, clients ClientFactory, cfg Config) *Writer {
	return &Writer{
		delegator: delegator,
		clients:   clients,
		cfg:       cfg,
		tracer:    otel.Tracer("taginventory/store"),
		delivery:  uuid.NewString,
	}
}

// ObjectKey returns the inventory object key for one delivery of a run.
// Every Write call uses a fresh delivery, so overlapping deliveries never
// share an object; only the one whose tracking record commits is referenced.
func ObjectKey(prefix, account, runID, delivery string) string {
	if account == "" {
		account = "unknown"
	}
	return path.Join(prefix, account, runID, delivery+".json")
}

// objectDocument is the published inventory object.
type objectDocument struct {
	RunID             string              `json:"run_id"`
	Account           string              `json:"account,omitempty"`
	InvokedAt         time.Time           `json:"invoked_at"`
	Status            resource.RunStatus  `json:"status"`
	RegionsAttempted  []string            `json:"regions_attempted"`
	IncompleteRegions []string            `json:"incomplete_regions"`
	Inventory         *resource.Inventory `json:"inventory"`
}

// Write publishes inv under m's run ID. m.Status must already carry the
// run's final disposition. If the run was already published, Write returns
// the stored manifest with a WriteConflict error; the object that manifest
// references is never rewritten.
func (w *Writer) Write(ctx context.Context, inv *resource.Inventory, m *resource.Manifest) (*resource.Manifest, error) {
	ctx, span := w.tracer.Start(ctx, "store.write", trace.WithAttributes(
		attribute.String("run_id", m.RunID),
		attribute.Int("resources", inv.Len()),
	))
	defer span.End()

	stored, err := w.write(ctx, inv, m)
	if err != nil && !errs.Is(err, errs.WriteConflict) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return stored, err
}

func (w *Writer) write(ctx context.Context, inv *resource.Inventory, m *resource.Manifest) (*resource.Manifest, error) {
	if !m.Status.Final() {
		return nil, fmt.Errorf("write run %s: status %s is not final", m.RunID, m.Status)
	}

	c, err := w.session(ctx, m.RunID)
	if err != nil {
		return nil, err
	}

	existing, err := w.lookup(ctx, c.DynamoDB, m.RunID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status.Final() {
		log.Info().Str("run_id", m.RunID).Str("status", string(existing.Status)).
			Msg("run already published, skipping write")
		return existing, errs.Newf(errs.WriteConflict, "get_item", "run %s already %s", m.RunID, existing.Status)
	}

	out := m.Clone()
	out.ResourceCount = inv.Len()
	out.ObjectKey = ObjectKey(w.cfg.Prefix, m.Account, m.RunID, w.delivery())
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now().UTC()
	}

	body, err := json.Marshal(objectDocument{
		RunID:             out.RunID,
		Account:           out.Account,
		InvokedAt:         out.InvokedAt,
		Status:            out.Status,
		RegionsAttempted:  out.RegionsAttempted,
		IncompleteRegions: out.IncompleteRegions(),
		Inventory:         inv,
	})
	if err != nil {
		return nil, fmt.Errorf("encode inventory: %w", err)
	}

	_, err = c.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(out.ObjectKey),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		ACL:         s3types.ObjectCannedACLBucketOwnerFullControl,
	})
	if err != nil {
		return nil, classify("put_object", err)
	}

	if err := w.put(ctx, c.DynamoDB, out); err != nil {
		if errs.Is(err, errs.WriteConflict) {
			// Lost a race with an overlapping delivery of the same run. Our
			// object stays unreferenced.
			log.Info().Str("run_id", m.RunID).Str("object", out.ObjectKey).
				Msg("lost publish race, object left unreferenced")
			if stored, lerr := w.lookup(ctx, c.DynamoDB, m.RunID); lerr == nil && stored != nil {
				return stored, err
			}
		}
		return nil, err
	}

	log.Info().
		Str("run_id", out.RunID).
		Str("status", string(out.Status)).
		Str("object", out.ObjectKey).
		Int("resources", out.ResourceCount).
		Msg("inventory published")

	return out, nil
}

// Fail records a Failed run in the tracking table. It never overwrites a
// finalized record.
func (w *Writer) Fail(ctx context.Context, m *resource.Manifest) error {
	c, err := w.session(ctx, m.RunID)
	if err != nil {
		return err
	}
	out := m.Clone()
	out.Status = resource.StatusFailed
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now().UTC()
	}
	err = w.put(ctx, c.DynamoDB, out)
	if errs.Is(err, errs.WriteConflict) {
		return nil
	}
	return err
}

// Lookup returns the tracking record for runID, or nil if there is none.
func (w *Writer) Lookup(ctx context.Context, runID string) (*resource.Manifest, error) {
	c, err := w.session(ctx, runID)
	if err != nil {
		return nil, err
	}
	return w.lookup(ctx, c.DynamoDB, runID)
}

func (w *Writer) session(ctx context.Context, runID string) (*Clients, error) {
	creds, err := w.delegator.Credentials(ctx, runID)
	if err != nil {
		return nil, err
	}
	return w.clients(creds), nil
}

func (w *Writer) lookup(ctx context.Context, db DynamoDBAPI, runID string) (*resource.Manifest, error) {
	output, err := db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(w.cfg.Table),
		Key:            map[string]dtypes.AttributeValue{attrRunID: &dtypes.AttributeValueMemberS{Value: runID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify("get_item", err)
	}
	if len(output.Item) == 0 {
		return nil, nil
	}
	return decodeItem(output.Item)
}

func (w *Writer) put(ctx context.Context, db DynamoDBAPI, m *resource.Manifest) error {
	item, err := encodeItem(m)
	if err != nil {
		return err
	}
	_, err = db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(w.cfg.Table),
		Item:                item,
		ConditionExpression: aws.String(notFinal),
		ExpressionAttributeNames: map[string]string{
			"#run_id": attrRunID,
			"#status": attrStatus,
		},
		ExpressionAttributeValues: map[string]dtypes.AttributeValue{
			":succeeded": &dtypes.AttributeValueMemberS{Value: string(resource.StatusSucceeded)},
			":partial":   &dtypes.AttributeValueMemberS{Value: string(resource.StatusPartialFailure)},
		},
	})
	return classify("put_item", err)
}

func encodeItem(m *resource.Manifest) (map[string]dtypes.AttributeValue, error) {
	doc, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return map[string]dtypes.AttributeValue{
		attrRunID:         &dtypes.AttributeValueMemberS{Value: m.RunID},
		attrStatus:        &dtypes.AttributeValueMemberS{Value: string(m.Status)},
		attrAccount:       &dtypes.AttributeValueMemberS{Value: m.Account},
		attrResourceCount: &dtypes.AttributeValueMemberN{Value: strconv.Itoa(m.ResourceCount)},
		attrObjectKey:     &dtypes.AttributeValueMemberS{Value: m.ObjectKey},
		attrUpdatedAt:     &dtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		attrManifest:      &dtypes.AttributeValueMemberS{Value: string(doc)},
	}, nil
}

func decodeItem(item map[string]dtypes.AttributeValue) (*resource.Manifest, error) {
	raw, ok := item[attrManifest].(*dtypes.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("tracking record has no %s attribute", attrManifest)
	}
	var m resource.Manifest
	if err := json.Unmarshal([]byte(raw.Value), &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if s, ok := item[attrStatus].(*dtypes.AttributeValueMemberS); ok {
		m.Status = resource.RunStatus(s.Value)
	}
	return &m, nil
}
