package analytics_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rylaix/mevguard/foundation/analytics"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func TestRunToCompletion(t *testing.T) {
	t.Log("Given the need to execute a query and poll for its results.")
	{
		t.Logf("\tTest 0:\tWhen the execution completes after a pending poll.")
		{
			var polls int32

			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/v1/query/12345/execute", func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-Dune-API-Key") != "test-key" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}

				var body struct {
					Parameters map[string]any `json:"query_parameters"`
				}
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				if body.Parameters["start_block"] == nil || body.Parameters["end_block"] == nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}

				json.NewEncoder(w).Encode(map[string]any{
					"execution_id": "exec-1",
					"state":        analytics.StatePending,
				})
			})
			mux.HandleFunc("GET /api/v1/execution/exec-1/status", func(w http.ResponseWriter, r *http.Request) {
				state := analytics.StateExecuting
				if atomic.AddInt32(&polls, 1) > 1 {
					state = analytics.StateCompleted
				}
				json.NewEncoder(w).Encode(map[string]any{
					"execution_id": "exec-1",
					"state":        state,
				})
			})
			mux.HandleFunc("GET /api/v1/execution/exec-1/results", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"result": map[string]any{
						"rows": []map[string]any{
							{"block_number": 100, "refund": "42"},
							{"block_number": 101, "refund": "7"},
						},
					},
				})
			})

			srv := httptest.NewServer(mux)
			defer srv.Close()

			client := analytics.New(srv.URL, "test-key")

			params := map[string]any{"start_block": 100, "end_block": 101}
			rows, err := client.RunToCompletion(context.Background(), 12345, params, time.Millisecond)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to run the query: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to run the query.", success)

			if len(rows) != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould get back 2 rows, got %d.", failed, len(rows))
			}
			t.Logf("\t%s\tTest 0:\tShould get back 2 rows.", success)

			if atomic.LoadInt32(&polls) < 2 {
				t.Fatalf("\t%s\tTest 0:\tShould have polled more than once, got %d.", failed, polls)
			}
			t.Logf("\t%s\tTest 0:\tShould have polled more than once.", success)
		}

		t.Logf("\tTest 1:\tWhen the execution fails.")
		{
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/v1/query/12345/execute", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"execution_id": "exec-2",
					"state":        analytics.StatePending,
				})
			})
			mux.HandleFunc("GET /api/v1/execution/exec-2/status", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"execution_id": "exec-2",
					"state":        analytics.StateFailed,
				})
			})

			srv := httptest.NewServer(mux)
			defer srv.Close()

			client := analytics.New(srv.URL, "test-key")

			if _, err := client.RunToCompletion(context.Background(), 12345, nil, time.Millisecond); err == nil {
				t.Fatalf("\t%s\tTest 1:\tShould get back an error for a failed execution.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould get back an error for a failed execution.", success)
		}

		t.Logf("\tTest 2:\tWhen the context is canceled while polling.")
		{
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/v1/query/12345/execute", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"execution_id": "exec-3",
					"state":        analytics.StatePending,
				})
			})
			mux.HandleFunc("GET /api/v1/execution/exec-3/status", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"execution_id": "exec-3",
					"state":        analytics.StateExecuting,
				})
			})

			srv := httptest.NewServer(mux)
			defer srv.Close()

			client := analytics.New(srv.URL, "test-key")

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			_, err := client.RunToCompletion(ctx, 12345, nil, time.Hour)
			if err == nil || !strings.Contains(err.Error(), "deadline") {
				t.Fatalf("\t%s\tTest 2:\tShould get back a deadline error: %v", failed, err)
			}
			t.Logf("\t%s\tTest 2:\tShould get back a deadline error.", success)
		}
	}
}

func TestQuerySQL(t *testing.T) {
	t.Log("Given the need to fetch the SQL text stored for a query.")
	{
		t.Logf("\tTest 0:\tWhen the query exists.")
		{
			const sqlText = "select * from bundles where block_number >= {{start_block}}"

			mux := http.NewServeMux()
			mux.HandleFunc("GET /api/v1/query/777", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"query_id": 777,
					"name":     "fetch_backruns",
					"sql":      sqlText,
				})
			})

			srv := httptest.NewServer(mux)
			defer srv.Close()

			client := analytics.New(srv.URL, "test-key")

			got, err := client.QuerySQL(context.Background(), 777)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to fetch the SQL: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to fetch the SQL.", success)

			if got != sqlText {
				t.Fatalf("\t%s\tTest 0:\tShould get back the stored SQL text.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould get back the stored SQL text.", success)
		}

		t.Logf("\tTest 1:\tWhen the response carries no SQL.")
		{
			mux := http.NewServeMux()
			mux.HandleFunc("GET /api/v1/query/778", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"query_id": 778})
			})

			srv := httptest.NewServer(mux)
			defer srv.Close()

			client := analytics.New(srv.URL, "test-key")

			if _, err := client.QuerySQL(context.Background(), 778); err == nil {
				t.Fatalf("\t%s\tTest 1:\tShould get back an error when sql is missing.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould get back an error when sql is missing.", success)
		}
	}
}
