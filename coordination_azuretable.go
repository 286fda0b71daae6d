package dempsy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// maxTableBinaryPropertySize is the maximum size (64 KiB) for a single
// Edm.Binary property.
const maxTableBinaryPropertySize = 64 * 1024

// maxTableProperties is the number of binary properties used to store a
// single large entity, letting a NodeInformation blob span multiple Azure
// Table properties transparently.
const maxTableProperties = 15

var tableDataKeys = [maxTableProperties]string{
	"Data", "Data01", "Data02", "Data03", "Data04", "Data05", "Data06",
	"Data07", "Data08", "Data09", "Data10", "Data11", "Data12", "Data13", "Data14",
}

// AzureTableCoordinationSession implements CoordinationSession on top of
// Azure Table Storage: one table holds every directory entry, with
// PartitionKey = the entry's parent path and RowKey = the entry's leaf
// name, so GetSubdirs is a single partition-key query. Watches are
// poll-based (pollInterval, default 2s) since Azure Tables has no native
// change feed suitable for this shape.
type AzureTableCoordinationSession struct {
	client       *aztables.Client
	pollInterval time.Duration
}

// NewAzureTableCoordinationSession creates a session backed by an existing
// table client. Callers are expected to have created the table already
// (mirrors the teacher's eager CreateTable-on-connect pattern).
func NewAzureTableCoordinationSession(client *aztables.Client) *AzureTableCoordinationSession {
	return &AzureTableCoordinationSession{client: client, pollInterval: 2 * time.Second}
}

func splitPath(path string) (parent, leaf string) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", ""
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "", trimmed
	}
	return trimmed[:idx], trimmed[idx+1:]
}

func buildTableEntity(pk, rk string, data []byte) ([]byte, error) {
	m := map[string]any{"PartitionKey": pk, "RowKey": rk}
	for i := 0; i < maxTableProperties && len(data) > 0; i++ {
		take := min(len(data), maxTableBinaryPropertySize)
		m[tableDataKeys[i]] = data[:take]
		m[tableDataKeys[i]+"@odata.type"] = "Edm.Binary"
		data = data[take:]
	}
	return json.Marshal(m)
}

func extractTableData(raw []byte) []byte {
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	var res []byte
	for i := range maxTableProperties {
		v, ok := m[tableDataKeys[i]]
		if !ok {
			break
		}
		s, ok := v.(string)
		if !ok {
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			break
		}
		res = append(res, chunk...)
	}
	return res
}

func (s *AzureTableCoordinationSession) MkdirRecursive(ctx context.Context, path string) error {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	cur := ""
	for _, p := range parts {
		parent := cur
		if cur == "" {
			cur = p
		} else {
			cur = cur + "/" + p
		}
		entity, err := buildTableEntity(parent, p, nil)
		if err != nil {
			return err
		}
		if _, err := s.client.UpsertEntity(ctx, entity, nil); err != nil {
			return fmt.Errorf("%w: %v", ErrCoordination, err)
		}
	}
	return nil
}

func (s *AzureTableCoordinationSession) listChildren(ctx context.Context, parent string) ([]string, []byte, error) {
	filter := "PartitionKey eq '" + strings.ReplaceAll(parent, "'", "''") + "'"
	pager := s.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: to.Ptr(filter)})
	var names []string
	var etags []byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrCoordination, err)
		}
		for _, e := range resp.Entities {
			var meta struct{ RowKey string }
			if err := json.Unmarshal(e, &meta); err == nil {
				names = append(names, meta.RowKey)
				etags = append(etags, e...)
			}
		}
	}
	return names, etags, nil
}

func (s *AzureTableCoordinationSession) GetSubdirs(ctx context.Context, path string, watcher chan<- struct{}) ([]string, error) {
	parent := strings.Trim(path, "/")
	names, snapshot, err := s.listChildren(ctx, parent)
	if err != nil {
		return nil, err
	}
	if watcher != nil {
		go s.watchSubdirs(parent, snapshot, watcher)
	}
	return names, nil
}

func (s *AzureTableCoordinationSession) watchSubdirs(parent string, baseline []byte, watcher chan<- struct{}) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for range ticker.C {
		_, snapshot, err := s.listChildren(context.Background(), parent)
		if err != nil {
			continue
		}
		if !bytesEqual(snapshot, baseline) {
			nonBlockingNotify(watcher)
			return
		}
	}
}

func (s *AzureTableCoordinationSession) GetData(ctx context.Context, path string, watcher chan<- struct{}) ([]byte, error) {
	parent, leaf := splitPath(path)
	resp, err := s.client.GetEntity(ctx, parent, leaf, nil)
	if err != nil {
		if re, ok := err.(*azcore.ResponseError); ok && re.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrCoordination, err)
	}
	data := extractTableData(resp.Value)
	if watcher != nil {
		go s.watchData(parent, leaf, data, watcher)
	}
	return data, nil
}

func (s *AzureTableCoordinationSession) watchData(parent, leaf string, baseline []byte, watcher chan<- struct{}) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for range ticker.C {
		resp, err := s.client.GetEntity(context.Background(), parent, leaf, nil)
		if err != nil {
			continue
		}
		if current := extractTableData(resp.Value); !bytesEqual(current, baseline) {
			nonBlockingNotify(watcher)
			return
		}
	}
}

func (s *AzureTableCoordinationSession) SetData(ctx context.Context, path string, data []byte) error {
	parent, leaf := splitPath(path)
	entity, err := buildTableEntity(parent, leaf, data)
	if err != nil {
		return err
	}
	if _, err := s.client.UpsertEntity(ctx, entity, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrCoordination, err)
	}
	return nil
}

func (s *AzureTableCoordinationSession) Close() error { return nil }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
