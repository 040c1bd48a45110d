package op

import (
	"encoding/json"
	"fmt"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/types"

	"github.com/google/uuid"
)

type Kind uint8

const (
	Get Kind = iota + 1
	Insert
	Delete
	CreateDB
	DeleteDB
	CopyDB
	CreateSnapshot
	DeleteSnapshot
)

var kindNames = map[Kind]string{
	Get:            "get",
	Insert:         "insert",
	Delete:         "delete",
	CreateDB:       "create_db",
	DeleteDB:       "delete_db",
	CopyDB:         "copy_db",
	CreateSnapshot: "create_snapshot",
	DeleteSnapshot: "delete_snapshot",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Category groups kinds for the master-restriction policy.
type Category uint8

const (
	CategoryRead Category = iota + 1
	CategoryInsert
	CategoryDBModification
	CategorySnapshot
)

func (c Category) String() string {
	switch c {
	case CategoryRead:
		return "read"
	case CategoryInsert:
		return "insert"
	case CategoryDBModification:
		return "db_modification"
	case CategorySnapshot:
		return "snapshot"
	}
	return "unknown"
}

// ParseCategory accepts the names used in configuration.
func ParseCategory(s string) (Category, error) {
	for _, c := range []Category{CategoryRead, CategoryInsert, CategoryDBModification, CategorySnapshot} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown category %q", dberrors.ErrInvalidArgument, s)
}

// Operation is one client request against the database.
type Operation struct {
	ID     uuid.UUID `json:"id"`
	Kind   Kind      `json:"kind"`
	DB     string    `json:"db"`
	Key    []byte    `json:"key,omitempty"`
	Value  []byte    `json:"value,omitempty"`
	Target string    `json:"target,omitempty"` // copy destination or snapshot name
}

func New(kind Kind, db string, key, value []byte) Operation {
	return Operation{
		ID:    uuid.New(),
		Kind:  kind,
		DB:    db,
		Key:   key,
		Value: value,
	}
}

func NewWithTarget(kind Kind, db, target string) Operation {
	o := New(kind, db, nil, nil)
	o.Target = target
	return o
}

func (o Operation) Category() Category {
	switch o.Kind {
	case Get:
		return CategoryRead
	case Insert, Delete:
		return CategoryInsert
	case CreateDB, DeleteDB, CopyDB:
		return CategoryDBModification
	case CreateSnapshot, DeleteSnapshot:
		return CategorySnapshot
	}
	return 0
}

// IsWrite reports whether the operation changes state and therefore goes to the log.
func (o Operation) IsWrite() bool {
	return o.Category() != CategoryRead
}

func (o Operation) Validate() error {
	if o.DB == "" {
		return fmt.Errorf("%w: empty database name", dberrors.ErrInvalidArgument)
	}
	switch o.Kind {
	case Get, Delete:
		if len(o.Key) == 0 {
			return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
		}
	case Insert:
		if len(o.Key) == 0 || len(o.Value) == 0 {
			return fmt.Errorf("%w: empty key or value", dberrors.ErrInvalidArgument)
		}
	case CopyDB, CreateSnapshot, DeleteSnapshot:
		if o.Target == "" {
			return fmt.Errorf("%w: empty target for %s", dberrors.ErrInvalidArgument, o.Kind)
		}
	case CreateDB, DeleteDB:
	default:
		return fmt.Errorf("%w: unknown operation %s", dberrors.ErrInvalidArgument, o.Kind)
	}
	return nil
}

func (o Operation) Encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("marshal operation: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Operation, error) {
	var o Operation
	if err := json.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("unmarshal operation: %w", err)
	}
	return o, nil
}

// Result is what an executed operation returns to the caller.
type Result struct {
	Value []byte    `json:"value,omitempty"`
	Found bool      `json:"found"`
	LSN   types.LSN `json:"lsn"`
}
