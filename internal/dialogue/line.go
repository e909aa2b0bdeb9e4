package dialogue

import (
	"context"
	"fmt"
)

// Kind distinguishes transcribed speech from generated responses.
type Kind int

const (
	KindUser Kind = iota
	KindGenerated
)

func (k Kind) String() string {
	if k == KindGenerated {
		return "generated"
	}
	return "user"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "user", "":
		return KindUser, nil
	case "generated":
		return KindGenerated, nil
	default:
		return KindUser, fmt.Errorf("unknown line kind %q", s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Line is one entry of the dialogue. Lines are immutable once appended,
// except for the text of a reserved generated slot.
type Line struct {
	Seq      uint64 `json:"seq"`
	Speaker  string `json:"speaker"`
	Language string `json:"language,omitempty"` // empty when unknown
	Text     string `json:"text"`
	Kind     Kind   `json:"kind"`
}

// Record is the persisted form of a Line. Its position in the stored list is its sequence number.
type Record struct {
	Speaker  string  `json:"speaker" yaml:"speaker"`
	Language *string `json:"language" yaml:"language"`
	Text     string  `json:"text" yaml:"text"`
	Kind     Kind    `json:"kind" yaml:"kind"`
}

func (l Line) record() Record {
	r := Record{Speaker: l.Speaker, Text: l.Text, Kind: l.Kind}
	if l.Language != "" {
		lang := l.Language
		r.Language = &lang
	}
	return r
}

// LinesFromRecords rebuilds lines from their persisted form.
func LinesFromRecords(records []Record) []Line {
	lines := make([]Line, len(records))
	for i, r := range records {
		lines[i] = Line{Seq: uint64(i), Speaker: r.Speaker, Text: r.Text, Kind: r.Kind}
		if r.Language != nil {
			lines[i].Language = *r.Language
		}
	}
	return lines
}

// Store persists the full dialogue. Save replaces the stored list with records;
// Load returns the last saved list, or an empty list if nothing was saved.
type Store interface {
	Save(ctx context.Context, records []Record) error
	Load(ctx context.Context) ([]Record, error)
}
