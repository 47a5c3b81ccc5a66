package datasync

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/shopspring/decimal"
)

// defaultMappings rename host field names to the names sync peers use.
var defaultMappings = map[string]map[string]string{
	domain.DataLoans: {
		"id":         "loanId",
		"borrowerId": "userId",
		"documentId": "docId",
		"loanDate":   "borrowDate",
		"returnDate": "dueDate",
		"status":     "state",
	},
	domain.DataUsers: {
		"id":        "userId",
		"name":      "fullName",
		"email":     "emailAddress",
		"createdAt": "registrationDate",
	},
	domain.DataDocuments: {
		"id":        "docId",
		"title":     "title",
		"category":  "type",
		"available": "isAvailable",
	},
}

// ignoredFields never count as differences; targets stamp them on write.
var ignoredFields = map[string]bool{"updatedAt": true}

// Mapping returns the default mapping of dataType overlaid with override.
func Mapping(dataType string, override map[string]string) map[string]string {
	m := maps.Clone(defaultMappings[dataType])
	if m == nil {
		m = make(map[string]string, len(override))
	}
	maps.Copy(m, override)
	return m
}

// mapRecord renames mapped fields. Unmapped fields pass through unless a
// mapped field already took their name.
func mapRecord(rec domain.Record, mapping map[string]string) domain.Record {
	out := make(domain.Record, len(rec))
	for from, to := range mapping {
		if v, ok := rec[from]; ok {
			out[to] = v
		}
	}
	for k, v := range rec {
		if _, mapped := mapping[k]; mapped {
			continue
		}
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

// keyField is the mapped name of the record id.
func keyField(mapping map[string]string) string {
	if k, ok := mapping["id"]; ok && k != "" {
		return k
	}
	return "id"
}

// differences lists the source fields whose value differs on the target.
// Fields the target does not carry are not compared.
func differences(src, tgt domain.Record) []string {
	var diff []string
	for k, v := range src {
		if ignoredFields[k] {
			continue
		}
		tv, ok := tgt[k]
		if !ok {
			continue
		}
		if !valuesEqual(v, tv) {
			diff = append(diff, k)
		}
	}
	return diff
}

// valuesEqual compares loosely: numbers by value, timestamps by instant,
// everything else by text. Nil and the empty string are equal.
func valuesEqual(a, b any) bool {
	ea, eb := isEmpty(a), isEmpty(b)
	if ea || eb {
		return ea == eb
	}
	if fmt.Sprint(a) == fmt.Sprint(b) {
		return true
	}
	if da, ok := number(a); ok {
		if db, ok := number(b); ok {
			return da.Equal(db)
		}
	}
	if ta, ok := domain.ParseTime(a); ok {
		if tb, ok := domain.ParseTime(b); ok {
			return ta.Equal(tb)
		}
	}
	return false
}

// compare orders numbers, then timestamps, then text.
func compare(a, b any) int {
	if da, ok := number(a); ok {
		if db, ok := number(b); ok {
			return da.Cmp(db)
		}
	}
	if ta, ok := domain.ParseTime(a); ok {
		if tb, ok := domain.ParseTime(b); ok {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func number(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt32(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// timestamp is the last-change time of a mapped record. The change fields are
// looked up under their host names and under the names mapping gave them.
func timestamp(rec domain.Record, mapping map[string]string) (time.Time, bool) {
	keys := make([]string, 0, 4)
	for _, k := range []string{"updatedAt", "createdAt"} {
		keys = append(keys, k)
		if to := mapping[k]; to != "" && to != k {
			keys = append(keys, to)
		}
	}
	return rec.Time(keys...)
}
