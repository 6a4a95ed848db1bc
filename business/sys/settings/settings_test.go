package settings_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rylaix/mevguard/business/sys/settings"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

const goodSettings = `
data_storage:
  data_directory: data
  logs_directory: logs
  simulation_output_directory: data/simulations
  database_file: mevguard_tracking.db
rate_limit_handling:
  max_retries: 5
  initial_delay_seconds: 2
  exponential_backoff: true
  enable_retry: true
  calls_per_minute: 120
performance_tuning:
  use_parallel_fetch: true
  max_procs: 4
bundle_simulation:
  simulation_enabled: true
  max_selected_bundles: 25
start_block: 20000000
end_block: 20000100
num_blocks_to_process: all
polling_rate_seconds: 3
validate_sql: true
abort_on_empty_first_query: false
all_mev_blocker_bundle_per_block: 3711668
gather_to_start_query_id: 3711700
`

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("\t%s\tShould be able to write the settings file: %v", failed, err)
	}

	return path
}

func TestLoad(t *testing.T) {
	t.Log("Given the need to load and validate the settings file.")
	{
		t.Logf("\tTest 0:\tWhen the file is complete and valid.")
		{
			s, err := settings.Load(writeFile(t, goodSettings))
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to load the settings: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to load the settings.", success)

			if !s.NumBlocks.All {
				t.Fatalf("\t%s\tTest 0:\tShould parse %q as the all marker.", failed, "all")
			}
			t.Logf("\t%s\tTest 0:\tShould parse %q as the all marker.", success, "all")

			if s.Simulation.MaxSelectedBundles != 25 {
				t.Fatalf("\t%s\tTest 0:\tShould get the configured bundle cap, got %d.", failed, s.Simulation.MaxSelectedBundles)
			}
			t.Logf("\t%s\tTest 0:\tShould get the configured bundle cap.", success)

			if s.RateLimit.CallsPerMinute != 120 {
				t.Fatalf("\t%s\tTest 0:\tShould get the configured call rate, got %d.", failed, s.RateLimit.CallsPerMinute)
			}
			t.Logf("\t%s\tTest 0:\tShould get the configured call rate.", success)
		}

		t.Logf("\tTest 1:\tWhen optional values are omitted.")
		{
			const minimal = `
data_storage:
  data_directory: data
  logs_directory: logs
  simulation_output_directory: data/simulations
  database_file: mevguard_tracking.db
start_block: 100
end_block: 200
all_mev_blocker_bundle_per_block: 3711668
`
			s, err := settings.Load(writeFile(t, minimal))
			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to load minimal settings: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould be able to load minimal settings.", success)

			if s.NumBlocks.All || s.NumBlocks.Count != 5 {
				t.Fatalf("\t%s\tTest 1:\tShould default to 5 blocks per run, got %+v.", failed, s.NumBlocks)
			}
			t.Logf("\t%s\tTest 1:\tShould default to 5 blocks per run.", success)

			if !s.ValidateSQL || !s.AbortOnEmptyQuery {
				t.Fatalf("\t%s\tTest 1:\tShould default the safety toggles on.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould default the safety toggles on.", success)
		}

		t.Logf("\tTest 2:\tWhen the block range is inverted.")
		{
			const inverted = `
data_storage:
  data_directory: data
  logs_directory: logs
  simulation_output_directory: data/simulations
  database_file: mevguard_tracking.db
start_block: 300
end_block: 200
all_mev_blocker_bundle_per_block: 3711668
`
			if _, err := settings.Load(writeFile(t, inverted)); err == nil {
				t.Fatalf("\t%s\tTest 2:\tShould reject an inverted block range.", failed)
			}
			t.Logf("\t%s\tTest 2:\tShould reject an inverted block range.", success)
		}

		t.Logf("\tTest 3:\tWhen the query id is missing.")
		{
			const noQuery = `
data_storage:
  data_directory: data
  logs_directory: logs
  simulation_output_directory: data/simulations
  database_file: mevguard_tracking.db
start_block: 100
end_block: 200
`
			if _, err := settings.Load(writeFile(t, noQuery)); err == nil {
				t.Fatalf("\t%s\tTest 3:\tShould reject settings without a bundles query id.", failed)
			}
			t.Logf("\t%s\tTest 3:\tShould reject settings without a bundles query id.", success)
		}
	}
}
