package ingest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

type submitResult struct {
	Accepted int      `json:"accepted"`
	Queued   int      `json:"queued"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Handler accepts one sample object or an array of them on POST.
func (p *Pipeline) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		trim := bytes.TrimSpace(body)
		if len(trim) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var list []map[string]any
		if trim[0] == '[' {
			if err := json.Unmarshal(trim, &list); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		} else {
			var obj map[string]any
			if err := json.Unmarshal(trim, &obj); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			list = append(list, obj)
		}

		var res submitResult
		for _, obj := range list {
			s, err := ParseSampleMap(obj)
			if err == nil {
				var queued bool
				if queued, err = p.Submit(r.Context(), s); err == nil {
					res.Accepted++
					if queued {
						res.Queued++
					}
					continue
				}
			}
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
		}
		w.Header().Set("Content-Type", "application/json")
		if res.Accepted == 0 && res.Failed > 0 {
			w.WriteHeader(http.StatusBadRequest)
		} else {
			w.WriteHeader(http.StatusAccepted)
		}
		_ = json.NewEncoder(w).Encode(res)
	})
}
