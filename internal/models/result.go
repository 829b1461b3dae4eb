package models

// QueryResult is what the backend returns once a question has been answered
type QueryResult struct {
	SQL         string    `json:"sql"`
	Result      ResultSet `json:"result"`
	Suggestions []string  `json:"suggestions"`
}

// ResultSet is the tabular output of the generated SQL
type ResultSet struct {
	Columns  []string         `json:"columns"`
	Results  []map[string]any `json:"results"`
	RowCount int              `json:"row_count"`
	Success  bool             `json:"success"`
	Error    *string          `json:"error"`
}

// Clone returns a deep copy of r, row maps and nested cell values included.
func (r *QueryResult) Clone() *QueryResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Suggestions = append([]string(nil), r.Suggestions...)
	out.Result.Columns = append([]string(nil), r.Result.Columns...)
	if r.Result.Error != nil {
		e := *r.Result.Error
		out.Result.Error = &e
	}
	if r.Result.Results != nil {
		out.Result.Results = make([]map[string]any, len(r.Result.Results))
		for i, row := range r.Result.Results {
			out.Result.Results[i] = cloneValue(row).(map[string]any)
		}
	}
	return &out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		if v == nil {
			return v
		}
		m := make(map[string]any, len(v))
		for k, x := range v {
			m[k] = cloneValue(x)
		}
		return m
	case []any:
		if v == nil {
			return v
		}
		s := make([]any, len(v))
		for i, x := range v {
			s[i] = cloneValue(x)
		}
		return s
	default:
		return v
	}
}
