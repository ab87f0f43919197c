package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/anneal-io/anneal/internal/resource"
)

// S3Store keeps one object per scope under a key prefix, with optional
// server-side encryption and optional DynamoDB locking. Scope
// exclusivity is the caller's policy: one run mutates one scope, so
// whole-object replacement per scope is the atomic unit.
type S3Store struct {
	bucket    string
	prefix    string
	region    string
	lockTable string
	sse       bool

	sealer   *Sealer
	s3Client *s3.Client
	dbClient *dynamodb.Client
}

func NewS3Store(ctx context.Context, cfg Config, sealer *Sealer) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "anneal/state"
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	s := &S3Store{
		bucket:    cfg.Bucket,
		prefix:    strings.TrimSuffix(prefix, "/"),
		region:    region,
		lockTable: cfg.LockTable,
		sse:       cfg.SSE,
		sealer:    sealer,
		s3Client:  s3.NewFromConfig(awsCfg),
	}
	if s.lockTable != "" {
		s.dbClient = dynamodb.NewFromConfig(awsCfg)
	}
	return s, nil
}

func (s *S3Store) Get(ctx context.Context, scope, id string) (*resource.Record, error) {
	doc, err := s.readDoc(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, rec := range doc.Records {
		if rec.ID == id {
			return decodeStoredRecord(rec, s.sealer)
		}
	}
	return nil, nil
}

func (s *S3Store) Put(ctx context.Context, scope string, rec *resource.Record) error {
	encoded, err := EncodeOutput(rec.Output, s.sealer)
	if err != nil {
		return fmt.Errorf("failed to encode output for %s: %w", rec.ID, err)
	}

	doc, err := s.readDoc(ctx, scope)
	if err != nil {
		return err
	}
	upsertDoc(doc, rec, encoded)
	return s.writeDoc(ctx, doc)
}

func (s *S3Store) Remove(ctx context.Context, scope, id string) error {
	doc, err := s.readDoc(ctx, scope)
	if err != nil {
		return err
	}
	if !removeFromDoc(doc, id) {
		return nil
	}
	return s.writeDoc(ctx, doc)
}

func (s *S3Store) List(ctx context.Context, scope string) ([]*resource.Record, error) {
	doc, err := s.readDoc(ctx, scope)
	if err != nil {
		return nil, err
	}

	sort.Slice(doc.Records, func(i, j int) bool { return doc.Records[i].Seq < doc.Records[j].Seq })

	out := make([]*resource.Record, 0, len(doc.Records))
	for _, rec := range doc.Records {
		decoded, err := decodeStoredRecord(rec, s.sealer)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

func (s *S3Store) Scopes(ctx context.Context) ([]string, error) {
	var scopes []string

	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list state objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := path.Base(aws.ToString(obj.Key))
			if !strings.HasSuffix(name, stateFileExt) {
				continue
			}
			scope, err := url.PathUnescape(strings.TrimSuffix(name, stateFileExt))
			if err != nil {
				continue
			}
			scopes = append(scopes, scope)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (s *S3Store) DeleteScope(ctx context.Context, scope string) error {
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.scopeKey(scope)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete state for scope %q: %w", scope, err)
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

// Lock acquires a per-scope lock item in DynamoDB via a conditional
// put. Without a lock table configured, locking is a no-op.
func (s *S3Store) Lock(ctx context.Context, scope string) (func() error, error) {
	if s.lockTable == "" {
		return func() error { return nil }, nil
	}

	lockID := s.scopeKey(scope)
	info := fmt.Sprintf("anneal-%d-%d", os.Getpid(), time.Now().UnixNano())

	_, err := s.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.lockTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: lockID},
			"Info":    &dbtypes.AttributeValueMemberS{Value: info},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, fmt.Errorf("scope %q is locked by another process. If this is an error, "+
				"manually delete the lock item with LockID=%q from DynamoDB table %q", scope, lockID, s.lockTable)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	release := func() error {
		_, err := s.dbClient.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
			TableName: aws.String(s.lockTable),
			Key: map[string]dbtypes.AttributeValue{
				"LockID": &dbtypes.AttributeValueMemberS{Value: lockID},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}
	return release, nil
}

func (s *S3Store) scopeKey(scope string) string {
	return s.prefix + "/" + url.PathEscape(scope) + stateFileExt
}

func (s *S3Store) readDoc(ctx context.Context, scope string) (*scopeDoc, error) {
	key := s.scopeKey(scope)
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// A missing object is an empty partition.
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return &scopeDoc{Version: 1, Scope: scope}, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return &scopeDoc{Version: 1, Scope: scope}, nil
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", s.bucket, key, err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return unmarshalDoc(buf.Bytes(), scope, s.sealer)
}

func (s *S3Store) writeDoc(ctx context.Context, doc *scopeDoc) error {
	content, err := marshalDoc(doc, s.sealer)
	if err != nil {
		return err
	}

	key := s.scopeKey(doc.Scope)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	}
	if s.sse {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
