package search

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSchema builds a schema from its textual form, a whitespace
// separated list of field definitions:
//
//	name TEXT [SORTABLE]
//	name NUMERIC [SORTABLE]
//	name TAG [SEPARATOR c] [CASESENSITIVE]
//	name VECTOR dim (L2|IP) [HNSW [M m] [EF ef]]
//
// A field name may carry an AS alias: "name AS alias TYPE ...".
func ParseSchema(spec string) (*Schema, error) {
	toks := strings.Fields(spec)
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty schema")
	}
	sc := &Schema{}
	i := 0
	for i < len(toks) {
		f := Field{Separator: ','}
		f.Name = toks[i]
		i++
		if i+1 < len(toks) && strings.EqualFold(toks[i], "AS") {
			f.Alias = toks[i+1]
			i += 2
		}
		if i >= len(toks) {
			return nil, fmt.Errorf("field %q: missing type", f.Name)
		}
		typ := strings.ToUpper(toks[i])
		i++
		switch typ {
		case "TEXT":
			f.Type = FieldText
		case "NUMERIC":
			f.Type = FieldNumeric
		case "TAG":
			f.Type = FieldTag
		case "VECTOR":
			f.Type = FieldVector
			if i+1 >= len(toks) {
				return nil, fmt.Errorf("field %q: vector needs dim and metric", f.Name)
			}
			dim, err := strconv.Atoi(toks[i])
			if err != nil || dim <= 0 {
				return nil, fmt.Errorf("field %q: bad vector dim %q", f.Name, toks[i])
			}
			f.Vector.Dim = dim
			switch strings.ToUpper(toks[i+1]) {
			case "L2":
				f.Vector.Metric = MetricL2
			case "IP":
				f.Vector.Metric = MetricIP
			default:
				return nil, fmt.Errorf("field %q: unknown metric %q", f.Name, toks[i+1])
			}
			i += 2
		default:
			return nil, fmt.Errorf("field %q: unknown type %q", f.Name, typ)
		}

		for i < len(toks) {
			switch strings.ToUpper(toks[i]) {
			case "SORTABLE":
				f.Sortable = true
				i++
			case "CASESENSITIVE":
				f.CaseSensitive = true
				i++
			case "SEPARATOR":
				if i+1 >= len(toks) || len(toks[i+1]) != 1 {
					return nil, fmt.Errorf("field %q: separator must be one character", f.Name)
				}
				f.Separator = toks[i+1][0]
				i += 2
			case "HNSW":
				if f.Type != FieldVector {
					return nil, fmt.Errorf("field %q: HNSW on non-vector field", f.Name)
				}
				f.Vector.HNSW = true
				i++
			case "M":
				if i+1 >= len(toks) {
					return nil, fmt.Errorf("field %q: M needs a value", f.Name)
				}
				m, err := strconv.Atoi(toks[i+1])
				if err != nil || m <= 0 {
					return nil, fmt.Errorf("field %q: bad M %q", f.Name, toks[i+1])
				}
				f.Vector.M = m
				i += 2
			case "EF":
				if i+1 >= len(toks) {
					return nil, fmt.Errorf("field %q: EF needs a value", f.Name)
				}
				ef, err := strconv.Atoi(toks[i+1])
				if err != nil || ef <= 0 {
					return nil, fmt.Errorf("field %q: bad EF %q", f.Name, toks[i+1])
				}
				f.Vector.EfConstruction = ef
				i += 2
			default:
				goto nextField
			}
		}
	nextField:
		sc.Fields = append(sc.Fields, f)
	}
	return sc, nil
}
