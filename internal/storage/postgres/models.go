package postgres

import (
	"encoding/json"
	"time"

	"github.com/DoyleJ11/tides-backend/internal/flags"
)

type documentRow struct {
	Kind      string   `gorm:"primaryKey;size:32"`
	ID        string   `gorm:"primaryKey;size:64"`
	Parent    string   `gorm:"size:64;not null;default:'';index"`
	Name      string   `gorm:"not null;default:''"`
	Owners    []string `gorm:"serializer:json;type:jsonb"`
	Version   int64    `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (documentRow) TableName() string { return "documents" }

type flagRow struct {
	Kind      string `gorm:"primaryKey;size:32"`
	DocID     string `gorm:"primaryKey;size:64"`
	Namespace string `gorm:"primaryKey;size:64"`
	FlagKey   string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:jsonb;not null"`
}

func (flagRow) TableName() string { return "flags" }

func rowsFor(doc flags.Document) (documentRow, []flagRow) {
	d := documentRow{
		Kind:    string(doc.Ref.Kind),
		ID:      doc.Ref.ID,
		Parent:  doc.Ref.Parent,
		Name:    doc.Name,
		Owners:  doc.Owners,
		Version: 1,
	}
	var fs []flagRow
	for ns, kv := range doc.Flags {
		for k, v := range kv {
			fs = append(fs, flagRow{Kind: d.Kind, DocID: d.ID, Namespace: ns, FlagKey: k, Value: string(v)})
		}
	}
	return d, fs
}

func (d documentRow) ref() flags.Ref {
	return flags.Ref{Kind: flags.Kind(d.Kind), ID: d.ID, Parent: d.Parent}
}

func (d documentRow) document(fs []flagRow) flags.Document {
	doc := flags.Document{
		Ref:     d.ref(),
		Name:    d.Name,
		Owners:  append([]string(nil), d.Owners...),
		Flags:   map[string]map[string]json.RawMessage{},
		Version: d.Version,
	}
	for _, f := range fs {
		if doc.Flags[f.Namespace] == nil {
			doc.Flags[f.Namespace] = map[string]json.RawMessage{}
		}
		doc.Flags[f.Namespace][f.FlagKey] = json.RawMessage(f.Value)
	}
	return doc
}
