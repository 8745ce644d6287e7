// Package artifacts stores agent output documents in the object store so
// report downloads survive process restarts.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/sitescope-labs/sitescope-go/internal/domain"
)

var ErrNotFound = errors.New("artifact not found")

const putTimeout = 15 * time.Second

// Envelope is the stored form of one agent result.
type Envelope struct {
	RunID      string          `json:"runId"`
	Agent      string          `json:"agent"`
	Label      string          `json:"label,omitempty"`
	Confidence float64         `json:"confidence"`
	Content    json.RawMessage `json:"content,omitempty"`
	StoredAt   time.Time       `json:"storedAt"`
}

// Store writes agent results under runs/<run_id>/<agent>.json.
type Store struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func NewStore(client *minio.Client, bucket string) *Store {
	return &Store{client: client, bucket: strings.TrimSpace(bucket), now: time.Now}
}

func objectKey(runID, agent string) string {
	return fmt.Sprintf("runs/%s/%s.json", runID, agent)
}

func (s *Store) PutAgentResult(ctx context.Context, runID, agent string, result domain.AgentResult) error {
	if s == nil || s.client == nil {
		return errors.New("artifact store is not configured")
	}
	runID = strings.TrimSpace(runID)
	agent = strings.TrimSpace(agent)
	if runID == "" || agent == "" {
		return errors.New("run id and agent are required")
	}

	envelope := Envelope{
		RunID:      runID,
		Agent:      agent,
		Label:      result.Label,
		Confidence: result.Confidence,
		StoredAt:   s.now().UTC(),
	}
	if len(result.Content) > 0 {
		if !json.Valid(result.Content) {
			return fmt.Errorf("agent %s produced invalid JSON content", agent)
		}
		envelope.Content = json.RawMessage(result.Content)
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	putCtx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	_, err = s.client.PutObject(
		putCtx,
		s.bucket,
		objectKey(runID, agent),
		bytes.NewReader(payload),
		int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return fmt.Errorf("store artifact %s/%s: %w", runID, agent, err)
	}
	return nil
}

func (s *Store) GetAgentResult(ctx context.Context, runID, agent string) (Envelope, error) {
	if s == nil || s.client == nil {
		return Envelope{}, errors.New("artifact store is not configured")
	}
	runID = strings.TrimSpace(runID)
	agent = strings.TrimSpace(agent)
	if runID == "" || agent == "" {
		return Envelope{}, errors.New("run id and agent are required")
	}

	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(runID, agent), minio.GetObjectOptions{})
	if err != nil {
		return Envelope{}, fmt.Errorf("fetch artifact %s/%s: %w", runID, agent, err)
	}
	defer obj.Close()
	if _, err := obj.Stat(); err != nil {
		if isNoSuchKey(err) {
			return Envelope{}, ErrNotFound
		}
		return Envelope{}, fmt.Errorf("stat artifact %s/%s: %w", runID, agent, err)
	}

	raw, err := io.ReadAll(obj)
	if err != nil {
		return Envelope{}, fmt.Errorf("read artifact %s/%s: %w", runID, agent, err)
	}
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode artifact %s/%s: %w", runID, agent, err)
	}
	return envelope, nil
}

// ListAgents returns the agent names with stored artifacts for a run.
func (s *Store) ListAgents(ctx context.Context, runID string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("artifact store is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id is required")
	}

	prefix := "runs/" + runID + "/"
	agents := make([]string, 0)
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list artifacts for run %s: %w", runID, info.Err)
		}
		name := strings.TrimPrefix(info.Key, prefix)
		name = strings.TrimSuffix(name, ".json")
		if name != "" {
			agents = append(agents, name)
		}
	}
	return agents, nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}
