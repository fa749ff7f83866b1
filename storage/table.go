package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const (
	EdmDouble   = "Edm.Double"
	EdmInt64    = "Edm.Int64"
	EdmDateTime = "Edm.DateTime"
)

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// TableRepository stores one board per partition of an Azure table. The
// entity ETag guards conditional updates.
type TableRepository struct {
	table   *aztables.Client
	boardID string
}

// NewTableClient builds a table client with the retry policy used by all
// Azure-backed components.
func NewTableClient(connStr, table string) (*aztables.Client, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return svc.NewClient(table), nil
}

func NewTableRepository(table *aztables.Client, boardID string) *TableRepository {
	return &TableRepository{table: table, boardID: boardID}
}

type taskEntity struct {
	PartitionKey  string    `json:"PartitionKey"`
	RowKey        string    `json:"RowKey"`
	Title         string    `json:"Title"`
	Description   *string   `json:"Description,omitempty"`
	Column        string    `json:"Column"`
	Position      float64   `json:"Position"`
	PositionType  string    `json:"Position@odata.type"`
	Version       int64     `json:"Version,string"`
	VersionType   string    `json:"Version@odata.type"`
	CreatedAt     time.Time `json:"CreatedAt"`
	CreatedAtType string    `json:"CreatedAt@odata.type"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
}

func encodeTaskEntity(boardID string, t domain.Task) ([]byte, error) {
	return sonic.Marshal(taskEntity{
		PartitionKey:  boardID,
		RowKey:        t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Column:        string(t.Column),
		Position:      t.Position,
		PositionType:  EdmDouble,
		Version:       t.Version,
		VersionType:   EdmInt64,
		CreatedAt:     t.CreatedAt.UTC(),
		CreatedAtType: EdmDateTime,
		UpdatedAt:     t.UpdatedAt.UTC(),
		UpdatedAtType: EdmDateTime,
	})
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Column:      domain.Column(ent.Column),
		Position:    ent.Position,
		Version:     ent.Version,
		CreatedAt:   ent.CreatedAt.UTC(),
		UpdatedAt:   ent.UpdatedAt.UTC(),
	}, nil
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func (r *TableRepository) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	payload, err := encodeTaskEntity(r.boardID, t)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := r.table.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (r *TableRepository) Get(ctx context.Context, id string) (domain.Task, error) {
	t, _, err := r.get(ctx, id)
	return t, err
}

func (r *TableRepository) get(ctx context.Context, id string) (domain.Task, azcore.ETag, error) {
	resp, err := r.table.GetEntity(ctx, r.boardID, id, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return domain.Task{}, "", domain.ErrNotFound
		}
		return domain.Task{}, "", err
	}
	t, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return domain.Task{}, "", err
	}
	return t, resp.ETag, nil
}

func (r *TableRepository) FindLastInColumn(ctx context.Context, col domain.Column) (*domain.Task, error) {
	tasks, err := r.ListColumn(ctx, col)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	last := tasks[len(tasks)-1]
	return &last, nil
}

// ConditionalUpdate replaces the entity only if its ETag is unchanged since
// the version check.
func (r *TableRepository) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, patch domain.TaskPatch) (domain.Task, error) {
	cur, etag, err := r.get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if cur.Version != expectedVersion {
		return domain.Task{}, domain.ErrVersionConflict
	}
	updated := patch.Apply(cur)
	payload, err := encodeTaskEntity(r.boardID, updated)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = r.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	switch statusCode(err) {
	case 0:
		if err != nil {
			return domain.Task{}, err
		}
		return updated, nil
	case http.StatusPreconditionFailed:
		return domain.Task{}, domain.ErrVersionConflict
	case http.StatusNotFound:
		return domain.Task{}, domain.ErrNotFound
	default:
		return domain.Task{}, err
	}
}

func (r *TableRepository) Delete(ctx context.Context, id string) error {
	_, err := r.table.DeleteEntity(ctx, r.boardID, id, nil)
	if statusCode(err) == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return err
}

func (r *TableRepository) List(ctx context.Context) ([]domain.Task, error) {
	return r.list(ctx, fmt.Sprintf("PartitionKey eq '%s'", escapeODataString(r.boardID)))
}

func (r *TableRepository) ListColumn(ctx context.Context, col domain.Column) ([]domain.Task, error) {
	return r.list(ctx, fmt.Sprintf("PartitionKey eq '%s' and Column eq '%s'", escapeODataString(r.boardID), escapeODataString(string(col))))
}

func (r *TableRepository) list(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := r.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
