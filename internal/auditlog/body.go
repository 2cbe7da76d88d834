package auditlog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sl4m3/ledgermind/internal/types"
)

// Record bodies are stored as a header block of "key: value" lines, a
// blank line, the rationale, and an optional "---" separated consequences
// list. The format is the on-disk contract: the index can always be
// rebuilt from these files alone.

// EncodeBody renders a record into its body file form.
func EncodeBody(rec *types.Record) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", rec.ID)
	fmt.Fprintf(&b, "kind: %s\n", rec.Kind)
	fmt.Fprintf(&b, "title: %s\n", rec.Title)
	fmt.Fprintf(&b, "target: %s\n", rec.Target)
	fmt.Fprintf(&b, "status: %s\n", rec.Status)
	fmt.Fprintf(&b, "authority: %s\n", rec.Authority)
	fmt.Fprintf(&b, "phase: %s\n", rec.Phase)
	fmt.Fprintf(&b, "vitality: %s\n", strconv.FormatFloat(rec.Vitality, 'f', 6, 64))
	fmt.Fprintf(&b, "created_at: %d\n", rec.CreatedAt.UTC().UnixMilli())
	fmt.Fprintf(&b, "updated_at: %d\n", rec.UpdatedAt.UTC().UnixMilli())
	sup := append([]string(nil), rec.Supersedes...)
	sort.Strings(sup)
	fmt.Fprintf(&b, "supersedes: %s\n", strings.Join(sup, ","))
	ev := append([]string(nil), rec.Evidence...)
	sort.Strings(ev)
	fmt.Fprintf(&b, "evidence: %s\n", strings.Join(ev, ","))
	b.WriteString("\n")
	b.WriteString(rec.Rationale)
	b.WriteString("\n")
	if len(rec.Consequences) > 0 {
		b.WriteString("---\n")
		for _, c := range rec.Consequences {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return []byte(b.String())
}

// DecodeBody parses a body file back into a record.
func DecodeBody(data []byte) (*types.Record, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	headerEnd := strings.Index(text, "\n\n")
	if headerEnd < 0 {
		return nil, fmt.Errorf("malformed record body: missing header separator")
	}

	headers := make(map[string]string)
	for _, line := range strings.Split(text[:headerEnd], "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	for _, required := range []string{"id", "kind", "target", "status", "authority", "phase", "vitality", "created_at", "updated_at", "supersedes"} {
		if _, ok := headers[required]; !ok {
			return nil, fmt.Errorf("record body missing required header %q", required)
		}
	}

	rec := &types.Record{
		ID:        headers["id"],
		Kind:      types.Kind(headers["kind"]),
		Title:     headers["title"],
		Target:    headers["target"],
		Status:    types.Status(headers["status"]),
		Authority: types.Authority(headers["authority"]),
		Phase:     types.Phase(headers["phase"]),
	}

	vitality, err := strconv.ParseFloat(headers["vitality"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid vitality header: %w", err)
	}
	rec.Vitality = vitality

	createdAt, err := strconv.ParseInt(headers["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at header: %w", err)
	}
	updatedAt, err := strconv.ParseInt(headers["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at header: %w", err)
	}
	rec.CreatedAt = millisToTime(createdAt)
	rec.UpdatedAt = millisToTime(updatedAt)

	if s := headers["supersedes"]; s != "" {
		rec.Supersedes = strings.Split(s, ",")
	}
	if s := headers["evidence"]; s != "" {
		rec.Evidence = strings.Split(s, ",")
	}

	body := text[headerEnd+2:]
	rationale, consequences, hasConsequences := strings.Cut(body, "\n---\n")
	rec.Rationale = strings.TrimRight(rationale, "\n")
	if hasConsequences {
		for _, line := range strings.Split(consequences, "\n") {
			if c, ok := strings.CutPrefix(line, "- "); ok {
				rec.Consequences = append(rec.Consequences, c)
			}
		}
	}

	return rec, nil
}
