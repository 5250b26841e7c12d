package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/costbook/pkg/api"
)

func script(t *testing.T, body string) Command {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "stage.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return Command{Path: path}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("  python -m costbook.extract --strict ")
	require.NoError(t, err)
	require.Equal(t, "python", cmd.Path)
	require.Equal(t, []string{"-m", "costbook.extract", "--strict"}, cmd.Args)
	require.Equal(t, "python -m costbook.extract --strict", cmd.String())

	_, err = ParseCommand("   ")
	require.Error(t, err)
}

func TestExecExtractor_PassesFilenameAndStdin(t *testing.T) {
	cmd := script(t, `echo "$1=$2"; cat`)
	out, err := ExecExtractor{Cmd: cmd}.Extract(context.Background(), []byte("workbook"), "acme.xlsx")
	require.NoError(t, err)
	require.Equal(t, "--filename=acme.xlsx\nworkbook", string(out))
}

func TestExecExtractor_FailureUsesLastDiagnostic(t *testing.T) {
	cmd := script(t, `echo "reading sheets" >&2
echo '{"event":"progress","percent":10}' >&2
echo "ValueError: workbook is encrypted" >&2
exit 3`)
	_, err := ExecExtractor{Cmd: cmd}.Extract(context.Background(), nil, "acme.xlsx")
	require.EqualError(t, err, "ValueError: workbook is encrypted")
}

func TestExecExtractor_FailureWithoutDiagnostics(t *testing.T) {
	cmd := script(t, `exit 2`)
	_, err := ExecExtractor{Cmd: cmd}.Extract(context.Background(), nil, "acme.xlsx")
	require.ErrorContains(t, err, "exited with status 2")
}

func TestExecExtractor_MissingProgram(t *testing.T) {
	_, err := ExecExtractor{Cmd: Command{Path: filepath.Join(t.TempDir(), "missing")}}.Extract(context.Background(), nil, "a.pdf")
	require.ErrorContains(t, err, "start")
}

func TestExecExtractor_ContextCancel(t *testing.T) {
	cmd := script(t, `exec sleep 5`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ExecExtractor{Cmd: cmd}.Extract(ctx, nil, "a.pdf")
	require.Error(t, err)
	require.Less(t, time.Since(start), 4*time.Second)
}

func collect(ch chan api.TransformEvent) (*[]api.TransformEvent, func()) {
	var (
		events []api.TransformEvent
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			events = append(events, ev)
		}
	}()
	return &events, func() {
		close(ch)
		wg.Wait()
	}
}

func TestExecTransformer_RelaysEvents(t *testing.T) {
	cmd := script(t, `cat >/dev/null
echo '{"event":"progress","percent":40,"message":"Processing sheet 2 of 5"}' >&2
echo '{"event":"llm_call","model":"claude","purpose":"map columns","prompt_tokens":1200,"completion_tokens":300,"cost_usd":0.0081,"duration_ms":2400}' >&2
echo '{"event":"stats","source_type":"excel","systems_count":12,"sources_processed":5}' >&2
echo '{"systems":[]}'`)

	ch := make(chan api.TransformEvent)
	events, done := collect(ch)
	out, stats, err := ExecTransformer{Cmd: cmd}.Transform(context.Background(), api.TransformRequest{
		Bronze: []byte(`{"sheets":[]}`),
		Events: ch,
	})
	done()

	require.NoError(t, err)
	require.JSONEq(t, `{"systems":[]}`, string(out))
	require.Equal(t, api.TransformStats{SourceType: "excel", SystemsCount: 12, SourcesProcessed: 5}, stats)

	require.Len(t, *events, 2)
	require.Equal(t, 40, (*events)[0].Progress.Percent)
	require.Equal(t, "Processing sheet 2 of 5", (*events)[0].Progress.Message)
	call := (*events)[1].LLMCall
	require.NotNil(t, call)
	require.Equal(t, "claude", call.Model)
	require.Equal(t, 1500, call.PromptTokens+call.CompletionTokens)
	require.Equal(t, 2400*time.Millisecond, call.Duration)
}

func TestExecTransformer_Enriches(t *testing.T) {
	cmd := script(t, `cat >/dev/null
echo '{"systems":[{"system_attributes":{"ahri_number":"201"},"components":[]}]}'`)
	enricher := api.EnricherFunc(func(ctx context.Context, id string) ([]byte, error) {
		return []byte(`{"tonnage":3,"seer2":15.2}`), nil
	})

	ch := make(chan api.TransformEvent)
	events, done := collect(ch)
	out, _, err := ExecTransformer{Cmd: cmd}.Transform(context.Background(), api.TransformRequest{Enricher: enricher, Events: ch})
	done()

	require.NoError(t, err)
	require.JSONEq(t, `{"systems":[{"system_attributes":{"ahri_number":"201","tonnage":3,"seer2":15.2},"components":[]}]}`, string(out))
	require.Len(t, *events, 1)
	require.Contains(t, (*events)[0].Progress.Message, "1 of 1")
}

func TestExecLoader_Stats(t *testing.T) {
	cmd := script(t, `cat >/dev/null
echo '{"event":"stats","systems_count":3,"components_count":9,"row_count":27}' >&2
printf "%s" "$2"`)
	out, stats, err := ExecLoader{Cmd: cmd}.Generate(context.Background(), []byte(`{}`), "Acme 2024")
	require.NoError(t, err)
	require.Equal(t, "Acme 2024", string(out))
	require.Equal(t, api.LoadStats{SystemsCount: 3, ComponentsCount: 9, RowCount: 27}, stats)
}

func TestEnrichSilver(t *testing.T) {
	silver := `{
	  "source": "acme",
	  "systems": [
	    {"system_attributes": {"ahri_number": "AHRI-1", "tonnage": 2, "seer2": 14, "total_price": 1000}},
	    {"system_attributes": {"ahri_number": "AHRI-2", "total_price": 1200.50}},
	    {"system_attributes": {"total_price": 999}, "components": [
	      {"component_type": "AHU", "model_number": "ahu-1"},
	      {"component_type": "ODU", "model_number": " gsx140361 "}
	    ]},
	    {"system_attributes": {}, "components": []},
	    {"system_attributes": {"ahri_number": "UNKNOWN"}},
	    {"system_attributes": {"ahri_number": "BROKEN"}},
	    {"name": "no attributes"}
	  ]
	}`

	var looked []string
	enricher := api.EnricherFunc(func(ctx context.Context, id string) ([]byte, error) {
		looked = append(looked, id)
		switch id {
		case "AHRI-2":
			return []byte(`{"ahri_ref":"AHRI-2-OTHER","tonnage":3,"seer2":15.2,"eer2":12.1,"capacity":36000}`), nil
		case "GSX140361":
			return []byte(`{"ahri_ref":"555","tonnage":3}`), nil
		case "UNKNOWN":
			return nil, api.NotFoundf("no certificate for %s", id)
		default:
			return nil, errors.New("service unavailable")
		}
	})

	out, stats, err := EnrichSilver(context.Background(), []byte(silver), enricher)
	require.NoError(t, err)
	require.Equal(t, EnrichStats{Candidates: 5, Enriched: 2, NotFound: 1, Failed: 1, Skipped: 1}, stats)
	require.Equal(t, []string{"AHRI-2", "GSX140361", "UNKNOWN", "BROKEN"}, looked)

	var doc struct {
		Source  string `json:"source"`
		Systems []struct {
			Attrs map[string]any `json:"system_attributes"`
		} `json:"systems"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	require.Equal(t, "acme", doc.Source)

	second := doc.Systems[1].Attrs
	require.Equal(t, "AHRI-2", second["ahri_number"], "existing values are kept")
	require.Equal(t, 1200.5, second["total_price"])
	require.EqualValues(t, 3, second["tonnage"])
	require.EqualValues(t, 36000, second["capacity_btu"])

	third := doc.Systems[2].Attrs
	require.Equal(t, "555", third["ahri_number"])
	require.EqualValues(t, 999, third["total_price"])
}

func TestEnrichSilver_NoCandidatesReturnsInput(t *testing.T) {
	in := []byte(`{"systems": [ {"system_attributes": {"ahri_number":"1","tonnage":2,"seer2":14,"total_price":5}} ]}`)
	out, stats, err := EnrichSilver(context.Background(), in, api.EnricherFunc(func(context.Context, string) ([]byte, error) {
		t.Fatal("unexpected lookup")
		return nil, nil
	}))
	require.NoError(t, err)
	require.Zero(t, stats.Candidates)
	require.Equal(t, in, out)
}

func TestEnrichSilver_Errors(t *testing.T) {
	_, _, err := EnrichSilver(context.Background(), []byte("not json"), nil)
	require.ErrorContains(t, err, "parse silver document")

	ctx, cancel := context.WithCancel(context.Background())
	enricher := api.EnricherFunc(func(context.Context, string) ([]byte, error) {
		cancel()
		return nil, context.Canceled
	})
	_, _, err = EnrichSilver(ctx, []byte(`{"systems":[{"system_attributes":{"ahri_number":"1"}}]}`), enricher)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHTTPEnricher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/certificates/GSX 14":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ahri_ref":"201","tonnage":3}`))
		case "/certificates/down":
			w.WriteHeader(http.StatusBadGateway)
		case "/certificates/maintenance":
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		case "/certificates/huge":
			_, _ = w.Write([]byte(`{"notes":"` + strings.Repeat("x", maxCertificateBytes) + `"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := NewHTTPEnricher(srv.URL+"/certificates/", time.Second)

	body, err := e.Lookup(context.Background(), "GSX 14")
	require.NoError(t, err)
	require.JSONEq(t, `{"ahri_ref":"201","tonnage":3}`, string(body))

	_, err = e.Lookup(context.Background(), "nope")
	require.ErrorIs(t, err, api.ErrNotFound)

	_, err = e.Lookup(context.Background(), "down")
	require.ErrorContains(t, err, "unexpected status 502")
	require.NotErrorIs(t, err, api.ErrNotFound)

	_, err = e.Lookup(context.Background(), "maintenance")
	require.ErrorContains(t, err, "not JSON")

	_, err = e.Lookup(context.Background(), "huge")
	require.ErrorContains(t, err, "larger than")
}

func TestExecExtractor_LongDiagnosticStaysValidUTF8(t *testing.T) {
	cmd := script(t, `{ printf '%1999s' '' | tr ' ' a; printf 'é tail\n'; } >&2
exit 1`)
	_, err := ExecExtractor{Cmd: cmd}.Extract(context.Background(), nil, "a.pdf")
	require.Error(t, err)
	require.True(t, utf8.ValidString(err.Error()))
	require.Equal(t, strings.Repeat("a", 1999), err.Error())
}
