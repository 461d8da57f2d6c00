package mongolink

import (
	"context"
	"testing"
	"time"

	event "github.com/rbaliyan/event/v3"
)

func TestContextChangeMetadata(t *testing.T) {
	if md := ContextChangeMetadata(context.Background()); md != nil {
		t.Fatalf("ContextChangeMetadata without metadata = %+v, want nil", md)
	}

	clusterTime := time.Unix(1_700_000_042, 0).UTC()
	ctx := event.ContextWithMetadata(context.Background(), map[string]string{
		MetadataOperation:   string(OperationUpdate),
		MetadataDatabase:    "app",
		MetadataCollection:  "orders",
		MetadataNamespace:   "app.orders",
		MetadataDocumentKey: "42",
		MetadataClusterTime: clusterTime.Format(time.RFC3339Nano),
	})

	md := ContextChangeMetadata(ctx)
	if md == nil {
		t.Fatal("ContextChangeMetadata = nil")
	}
	if md.Operation != OperationUpdate || md.Database != "app" || md.Collection != "orders" {
		t.Errorf("metadata = %+v", md)
	}
	if md.Namespace != "app.orders" || md.DocumentKey != "42" {
		t.Errorf("metadata = %+v", md)
	}
	if !md.ClusterTime.Equal(clusterTime) {
		t.Errorf("ClusterTime = %v, want %v", md.ClusterTime, clusterTime)
	}
}

func TestContextChangeMetadataWithoutClusterTime(t *testing.T) {
	ctx := event.ContextWithMetadata(context.Background(), map[string]string{
		MetadataOperation: string(OperationDrop),
		MetadataDatabase:  "app",
	})
	md := ContextChangeMetadata(ctx)
	if md == nil {
		t.Fatal("ContextChangeMetadata = nil")
	}
	if !md.ClusterTime.IsZero() {
		t.Errorf("ClusterTime = %v, want zero", md.ClusterTime)
	}
}

func TestContextUpdateDescription(t *testing.T) {
	tests := []struct {
		name        string
		md          map[string]string
		wantNil     bool
		wantUpdated map[string]any
		wantRemoved []string
	}{
		{name: "no metadata", wantNil: true},
		{name: "unrelated metadata", md: map[string]string{MetadataOperation: "update"}, wantNil: true},
		{
			name:        "updated and removed",
			md:          map[string]string{MetadataUpdatedFields: `{"status":"shipped"}`, MetadataRemovedFields: `["note"]`},
			wantUpdated: map[string]any{"status": "shipped"},
			wantRemoved: []string{"note"},
		},
		{
			name:        "removed only",
			md:          map[string]string{MetadataRemovedFields: `["a","b"]`},
			wantRemoved: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = event.ContextWithMetadata(ctx, tt.md)
			}
			desc := ContextUpdateDescription(ctx)
			if tt.wantNil {
				if desc != nil {
					t.Errorf("ContextUpdateDescription = %+v, want nil", desc)
				}
				return
			}
			if desc == nil {
				t.Fatal("ContextUpdateDescription = nil")
			}
			if len(desc.UpdatedFields) != len(tt.wantUpdated) {
				t.Errorf("UpdatedFields = %v, want %v", desc.UpdatedFields, tt.wantUpdated)
			}
			for k, v := range tt.wantUpdated {
				if desc.UpdatedFields[k] != v {
					t.Errorf("UpdatedFields[%s] = %v, want %v", k, desc.UpdatedFields[k], v)
				}
			}
			if len(desc.RemovedFields) != len(tt.wantRemoved) {
				t.Fatalf("RemovedFields = %v, want %v", desc.RemovedFields, tt.wantRemoved)
			}
			for i := range tt.wantRemoved {
				if desc.RemovedFields[i] != tt.wantRemoved[i] {
					t.Errorf("RemovedFields = %v, want %v", desc.RemovedFields, tt.wantRemoved)
				}
			}
		})
	}
}

func TestCoalesceByDocumentKey(t *testing.T) {
	if CoalesceByDocumentKey[ChangeEvent]() == nil {
		t.Error("CoalesceByDocumentKey returned nil option")
	}
}
