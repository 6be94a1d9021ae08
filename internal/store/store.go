// Package store 负责持仓对登记表的落盘与重启后的对账恢复。
//
// 只持久化持仓对记录与下一个编号；账户余额、净值与浮动盈亏每次启动都从终端重新获取。
package store

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hedgepair/internal/pair"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const DocumentVersion = 1

var (
	// ErrNotExists 表示尚无持久化记录，首次启动时属于正常情况。
	ErrNotExists = errors.New("store: no persisted record")
	// ErrCorrupt 表示记录无法解析或未通过结构校验。
	ErrCorrupt = errors.New("store: persisted record is corrupt")
)

// PersistenceError 描述一次失败的读写。
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Document 是落盘的登记表记录。
type Document struct {
	Version   int         `json:"version"`
	SavedAt   time.Time   `json:"saved_at"`
	NextID    int64       `json:"next_id"`
	Terminals []string    `json:"terminals"`
	Pairs     []pair.Pair `json:"pairs"`
}

// Store 保存/读取单份 Document，Save 必须整体替换旧记录。
type Store interface {
	Save(ctx context.Context, doc Document) error
	Load(ctx context.Context) (Document, error)
	Close() error
}

//go:embed schema.json
var documentSchema string

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("document.json", bytes.NewReader([]byte(documentSchema))); err != nil {
		panic(fmt.Sprintf("store schema: %v", err))
	}
	schema, err := compiler.Compile("document.json")
	if err != nil {
		panic(fmt.Sprintf("store schema: %v", err))
	}
	return schema
}

// Encode 序列化 Document，Pairs 为 nil 时写成空数组。
func Encode(doc Document) ([]byte, error) {
	if doc.Version == 0 {
		doc.Version = DocumentVersion
	}
	if doc.Pairs == nil {
		doc.Pairs = []pair.Pair{}
	}
	if doc.Terminals == nil {
		doc.Terminals = []string{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Decode 先做结构校验再解码，任何不符都归为 ErrCorrupt。
func Decode(raw []byte) (Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Document{}, fmt.Errorf("%w: empty payload", ErrCorrupt)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Version > DocumentVersion {
		return Document{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, doc.Version)
	}
	seen := make(map[int64]struct{}, len(doc.Pairs))
	for _, p := range doc.Pairs {
		if _, dup := seen[p.ID]; dup {
			return Document{}, fmt.Errorf("%w: duplicate pair id %d", ErrCorrupt, p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.ID >= doc.NextID {
			return Document{}, fmt.Errorf("%w: pair id %d not below next_id %d", ErrCorrupt, p.ID, doc.NextID)
		}
	}
	return doc, nil
}

// EncodeTerminals 序列化终端编号列表，供按列存放的后端使用。
func EncodeTerminals(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}
