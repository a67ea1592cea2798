package api

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"sentence-bias-eval/backend/internal/pipeline"
)

const testModelName = "sentence_pipe_mae1.555_2020-10-10_02h46m24s"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func testArtifactPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Intercept: 5,
		Numeric: []pipeline.NumericFeature{
			{Name: "COMMITMENT_TERM", Mean: 6, Scale: 7, Weight: 6.5},
			{Name: "AGE_AT_INCIDENT", Mean: 28, Scale: 11, Weight: -0.2},
		},
		Categorical: []pipeline.CategoricalFeature{
			{Name: "RACE", Levels: map[string]float64{
				"Black":           0.4,
				"White":           -0.35,
				"HISPANIC":        0.2,
				"Asian":           -0.2,
				"American Indian": 0.05,
				"misc_other":      0,
			}},
			{Name: "GENDER", Levels: map[string]float64{
				"Male":       0.2,
				"Female":     -0.3,
				"Unknown":    0,
				"misc_other": 0,
			}},
		},
	}
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	modelDir := t.TempDir()
	artifactData, err := json.Marshal(testArtifactPipeline())
	if err != nil {
		t.Fatalf("marshal artifact: %v", err)
	}
	artifactPath := filepath.Join(modelDir, testModelName+".json")
	if err := os.WriteFile(artifactPath, artifactData, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	referencePath := filepath.Join(modelDir, "reference_discrepancies.json")
	if err := os.WriteFile(referencePath, []byte("[0.05, -0.1, 0.2, 0.4]"), 0o644); err != nil {
		t.Fatalf("write reference: %v", err)
	}

	server, err := NewServer(Config{
		DBPath:        filepath.Join(t.TempDir(), "test.db"),
		ModelDir:      modelDir,
		ReferencePath: referencePath,
		SilentDB:      true,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	router, err := server.Router()
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return router
}

func examplePayload() map[string]any {
	return map[string]any{
		"PRIMARY_CHARGE_FLAG":               true,
		"DISPOSITION_CHARGED_OFFENSE_TITLE": "ARMED ROBBERY",
		"CHARGE_COUNT":                      1,
		"DISPOSITION_CHARGED_CLASS":         "X",
		"CHARGE_DISPOSITION":                "Plea Of Guilty",
		"SENTENCE_JUDGE":                    "James L Rhodes",
		"SENTENCE_PHASE":                    "Original Sentencing",
		"SENTENCE_TYPE":                     "Prison",
		"COMMITMENT_TERM":                   10.0,
		"COMMITMENT_UNIT":                   "Year(s)",
		"LENGTH_OF_CASE_in_Days":            1307.0,
		"AGE_AT_INCIDENT":                   17.0,
		"RACE":                              "Black",
		"GENDER":                            "Male",
		"INCIDENT_CITY":                     nil,
		"LAW_ENFORCEMENT_AGENCY":            "PROMIS Data Conversion",
		"LAW_ENFORCEMENT_UNIT":              nil,
	}
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)
	for _, path := range []string{"/health", "/api/healthz"} {
		rec := doRequest(t, router, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 got %d", path, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if body["status"] != "UP" {
			t.Fatalf("%s: expected status UP got %q", path, body["status"])
		}
	}
}

func TestPredictContract(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(t, router, http.MethodPost, "/predict", examplePayload())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	var resp PredictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ModelName != testModelName {
		t.Fatalf("expected model name %s got %s", testModelName, resp.ModelName)
	}
	if resp.Severity < 0 || resp.Severity > 100 {
		t.Fatalf("severity %v out of [0,100]", resp.Severity)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestPredictMissingKey(t *testing.T) {
	router := newTestRouter(t)
	payload := examplePayload()
	delete(payload, "RACE")

	rec := doRequest(t, router, http.MethodPost, "/predict", payload)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["message"] == "" {
		t.Fatal("expected non-empty message")
	}
}

func TestPredictInvalidPayloads(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"empty race", func(p map[string]any) { p["RACE"] = "" }},
		{"null race", func(p map[string]any) { p["RACE"] = nil }},
		{"wrong type charge count", func(p map[string]any) { p["CHARGE_COUNT"] = "one" }},
		{"non-prison sentence", func(p map[string]any) { p["SENTENCE_TYPE"] = "Probation" }},
		{"unknown race value", func(p map[string]any) { p["RACE"] = "Unknown" }},
		{"bad commitment unit", func(p map[string]any) { p["COMMITMENT_UNIT"] = "Weeks" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload := examplePayload()
			tc.mutate(payload)
			rec := doRequest(t, router, http.MethodPost, "/predict", payload)
			if rec.Code != http.StatusNotFound {
				t.Fatalf("expected 404 got %d: %s", rec.Code, rec.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["message"] == "" {
				t.Fatal("expected non-empty message")
			}
		})
	}
}

func TestPredictRaceSwap(t *testing.T) {
	router := newTestRouter(t)

	predict := func(race string) PredictResponse {
		payload := examplePayload()
		payload["RACE"] = race
		rec := doRequest(t, router, http.MethodPost, "/predict", payload)
		if rec.Code != http.StatusOK {
			t.Fatalf("race %s: expected 200 got %d: %s", race, rec.Code, rec.Body.String())
		}
		var resp PredictResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return resp
	}

	black := predict("Black")
	white := predict("White")
	if black.SentencingDiscrepancy == white.SentencingDiscrepancy {
		t.Fatal("race swap should change the discrepancy")
	}
	if black.SentencingDiscrepancy != -white.SentencingDiscrepancy {
		t.Fatalf("expected mirrored discrepancies, got %v and %v",
			black.SentencingDiscrepancy, white.SentencingDiscrepancy)
	}

	// Same input, same output.
	again := predict("Black")
	if again.SentencingDiscrepancy != black.SentencingDiscrepancy || again.Severity != black.Severity {
		t.Fatalf("prediction not deterministic: %+v vs %+v", black, again)
	}
}

func TestPredictCommitmentTermAsString(t *testing.T) {
	router := newTestRouter(t)

	numeric := examplePayload()
	asString := examplePayload()
	asString["COMMITMENT_TERM"] = "10"

	recNumeric := doRequest(t, router, http.MethodPost, "/predict", numeric)
	recString := doRequest(t, router, http.MethodPost, "/predict", asString)
	if recNumeric.Code != http.StatusOK || recString.Code != http.StatusOK {
		t.Fatalf("expected 200/200 got %d/%d", recNumeric.Code, recString.Code)
	}

	var respNumeric, respString PredictResponse
	if err := json.Unmarshal(recNumeric.Body.Bytes(), &respNumeric); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := json.Unmarshal(recString.Body.Bytes(), &respString); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if respNumeric.SentencingDiscrepancy != respString.SentencingDiscrepancy {
		t.Fatalf("string term diverged: %v vs %v",
			respNumeric.SentencingDiscrepancy, respString.SentencingDiscrepancy)
	}
}

func TestPredictionHistory(t *testing.T) {
	router := newTestRouter(t)

	for i := 0; i < 2; i++ {
		rec := doRequest(t, router, http.MethodPost, "/predict", examplePayload())
		if rec.Code != http.StatusOK {
			t.Fatalf("predict %d: expected 200 got %d", i, rec.Code)
		}
	}

	rec := doRequest(t, router, http.MethodGet, "/api/predictions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp PredictionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 2 || len(resp.Items) != 2 {
		t.Fatalf("expected 2 stored predictions, got total=%d items=%d", resp.Total, len(resp.Items))
	}
	if resp.Items[0].ModelName != testModelName {
		t.Fatalf("unexpected model name in history: %s", resp.Items[0].ModelName)
	}
	if resp.Items[0].Race != "Black" || resp.Items[0].CounterfactualRace != "White" {
		t.Fatalf("unexpected races in history: %s/%s", resp.Items[0].Race, resp.Items[0].CounterfactualRace)
	}

	cleared := doRequest(t, router, http.MethodDelete, "/api/predictions", nil)
	if cleared.Code != http.StatusOK {
		t.Fatalf("clear: expected 200 got %d", cleared.Code)
	}
	rec = doRequest(t, router, http.MethodGet, "/api/predictions", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 0 {
		t.Fatalf("expected empty history after clear, got %d", resp.Total)
	}
}

func TestExportCSV(t *testing.T) {
	router := newTestRouter(t)
	if rec := doRequest(t, router, http.MethodPost, "/predict", examplePayload()); rec.Code != http.StatusOK {
		t.Fatalf("predict: expected 200 got %d", rec.Code)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/export.csv", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected text/csv content type, got %q", ct)
	}

	rows, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header plus one row, got %d rows", len(rows))
	}
	header := rows[0]
	if header[0] != "request_id" || header[len(header)-1] != "created_at" {
		t.Fatalf("unexpected header: %v", header)
	}
	data := rows[1]
	if data[1] != testModelName {
		t.Fatalf("unexpected model name in export: %s", data[1])
	}
	if data[2] != "Black" || data[3] != "White" {
		t.Fatalf("unexpected races in export: %s/%s", data[2], data[3])
	}
}

func TestExportJSONIncludesPayload(t *testing.T) {
	router := newTestRouter(t)
	if rec := doRequest(t, router, http.MethodPost, "/predict", examplePayload()); rec.Code != http.StatusOK {
		t.Fatalf("predict: expected 200 got %d", rec.Code)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/export.json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var dtos []ExportPredictionDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &dtos); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(dtos) != 1 {
		t.Fatalf("expected one exported prediction, got %d", len(dtos))
	}
	if dtos[0].ModelName != testModelName {
		t.Fatalf("unexpected model name: %s", dtos[0].ModelName)
	}
	if dtos[0].Payload == nil {
		t.Fatal("expected exported payload")
	}
	if race, _ := dtos[0].Payload["RACE"].(string); race != "Black" {
		t.Fatalf("expected original payload RACE Black, got %v", dtos[0].Payload["RACE"])
	}
}

func TestConfigSnapshot(t *testing.T) {
	router := newTestRouter(t)
	if rec := doRequest(t, router, http.MethodPost, "/predict", examplePayload()); rec.Code != http.StatusOK {
		t.Fatalf("predict: expected 200 got %d", rec.Code)
	}

	rec := doRequest(t, router, http.MethodGet, "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got, _ := body["stored_predictions"].(float64); got != 1 {
		t.Fatalf("expected 1 stored prediction, got %v", body["stored_predictions"])
	}
	modelPath, _ := body["model_path"].(string)
	if !strings.Contains(modelPath, testModelName) {
		t.Fatalf("model path %q does not reference the loaded artifact", modelPath)
	}
	if referencePath, _ := body["reference_path"].(string); referencePath == "" {
		t.Fatal("expected reference path in config")
	}
}

func TestPredictStatus(t *testing.T) {
	router := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/predict/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var status PredictStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.StoredPredictions != 0 || status.LastPrediction != nil {
		t.Fatalf("expected empty status, got %+v", status)
	}

	if rec := doRequest(t, router, http.MethodPost, "/predict", examplePayload()); rec.Code != http.StatusOK {
		t.Fatalf("predict: expected 200 got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/predict/status", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.StoredPredictions != 1 {
		t.Fatalf("expected 1 stored prediction, got %d", status.StoredPredictions)
	}
	if status.LastPrediction == nil || status.LastPrediction.RequestID == "" {
		t.Fatalf("expected last prediction in status, got %+v", status.LastPrediction)
	}
	if status.LastPrediction.ModelName != testModelName {
		t.Fatalf("unexpected model name in status: %s", status.LastPrediction.ModelName)
	}
}

func TestModelInfo(t *testing.T) {
	router := newTestRouter(t)
	rec := doRequest(t, router, http.MethodGet, "/api/model", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var resp ModelInfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ModelName != testModelName {
		t.Fatalf("expected model name %s got %s", testModelName, resp.ModelName)
	}
	if resp.MAE != 1.555 {
		t.Fatalf("expected mae 1.555 got %v", resp.MAE)
	}
	if resp.NumericFeatures != 2 || resp.CategoricalFeatures != 2 {
		t.Fatalf("unexpected feature counts: %d/%d", resp.NumericFeatures, resp.CategoricalFeatures)
	}
	if resp.ReferenceSamples != 4 {
		t.Fatalf("expected 4 reference samples got %d", resp.ReferenceSamples)
	}
}
