package analysis_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nat64check/zaphod/pkg/analysis"
	"github.com/nat64check/zaphod/pkg/config"
	"github.com/nat64check/zaphod/pkg/retry"
	"github.com/nat64check/zaphod/pkg/scoring"
	"github.com/nat64check/zaphod/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})

	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() { _ = st.Stop() })

	return st
}

func setupTasks(t *testing.T, st store.Store) *analysis.Tasks {
	t.Helper()

	// Precondition-not-met paths walk the whole retry ladder; keep the
	// tests fast.
	old := retry.Delays
	retry.Delays = []time.Duration{time.Millisecond}

	t.Cleanup(func() { retry.Delays = old })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return analysis.NewTasks(log, st)
}

// solidImage returns a base64 PNG filled with one color.
func solidImage(t *testing.T, c color.Color) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// okResources returns n successful resource fetches.
func okResources(n int) []scoring.Resource {
	resources := make([]scoring.Resource, 0, n)
	for i := 0; i < n; i++ {
		resources = append(resources, scoring.Resource{
			Request: scoring.ResourceRequest{ResourceType: "image"},
			Success: true,
		})
	}

	return resources
}

type pipeline struct {
	trillian *store.Trillian
	testRun  *store.TestRun
	run      *store.InstanceRun
	marvins  map[string]*store.Marvin
}

func seedPipeline(t *testing.T, st store.Store, instanceTypes ...string) *pipeline {
	t.Helper()

	ctx := context.Background()

	trillian := &store.Trillian{
		Name:     "node-a",
		Hostname: "a.example.net",
		Token:    "token-a",
	}
	require.NoError(t, st.CreateTrillian(ctx, trillian))

	testRun := &store.TestRun{URL: "https://example.org"}
	require.NoError(t, st.CreateTestRun(ctx, testRun))

	run := &store.InstanceRun{
		TestRunID:  testRun.ID,
		TrillianID: trillian.ID,
	}
	require.NoError(t, st.CreateInstanceRun(ctx, run))

	marvins := make(map[string]*store.Marvin, len(instanceTypes))

	for _, instanceType := range instanceTypes {
		marvin := &store.Marvin{
			TrillianID:   trillian.ID,
			Name:         "marvin-" + instanceType,
			InstanceType: instanceType,
		}
		require.NoError(t, st.UpsertMarvin(ctx, marvin))

		marvins[instanceType] = marvin
	}

	return &pipeline{
		trillian: trillian,
		testRun:  testRun,
		run:      run,
		marvins:  marvins,
	}
}

func addResult(
	t *testing.T,
	st store.Store,
	run *store.InstanceRun,
	marvin *store.Marvin,
	img string,
	resources []scoring.Resource,
) *store.InstanceRunResult {
	t.Helper()

	result := &store.InstanceRunResult{
		InstanceRunID: run.ID,
		MarvinID:      marvin.ID,
		When:          time.Now().UTC(),
	}
	require.NoError(t, result.SetWebProbe(&store.WebProbe{
		Image:     img,
		Resources: resources,
	}))
	require.NoError(t, st.UpsertResult(context.Background(), result))

	return result
}

func TestAnalyseResult_ScoresAgainstBaseline(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st,
		store.InstanceTypeDualStack, store.InstanceTypeV6Only)

	white := solidImage(t, color.White)

	addResult(t, st, p.run,
		p.marvins[store.InstanceTypeDualStack], white, okResources(4))
	candidate := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeV6Only], white, okResources(2))

	ctx := context.Background()

	require.NoError(t, tasks.AnalyseResult(ctx, candidate.ID))

	analysed, err := st.GetResult(ctx, candidate.ID)
	require.NoError(t, err)
	require.NotNil(t, analysed.Analysed)

	require.NotNil(t, analysed.ImageScore)
	assert.InDelta(t, 1.0, *analysed.ImageScore, 1e-6)

	require.NotNil(t, analysed.ResourceScore)
	assert.InDelta(t, 0.5, *analysed.ResourceScore, 1e-9)

	require.NotNil(t, analysed.OverallScore)
	assert.InDelta(t, 0.5, *analysed.OverallScore, 1e-6)
}

func TestAnalyseResult_PicksBestBaseline(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st,
		store.InstanceTypeDualStack, store.InstanceTypeNAT64)

	secondDual := &store.Marvin{
		TrillianID:   p.trillian.ID,
		Name:         "marvin-dual-2",
		InstanceType: store.InstanceTypeDualStack,
	}
	require.NoError(t, st.UpsertMarvin(context.Background(), secondDual))

	white := solidImage(t, color.White)
	black := solidImage(t, color.Black)

	// First baseline looks nothing like the candidate; the second one
	// matches it exactly and brings fewer successful resources.
	addResult(t, st, p.run,
		p.marvins[store.InstanceTypeDualStack], white, okResources(8))
	addResult(t, st, p.run, secondDual, black, okResources(2))
	candidate := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeNAT64], black, okResources(2))

	ctx := context.Background()

	require.NoError(t, tasks.AnalyseResult(ctx, candidate.ID))

	analysed, err := st.GetResult(ctx, candidate.ID)
	require.NoError(t, err)

	require.NotNil(t, analysed.ImageScore)
	assert.InDelta(t, 1.0, *analysed.ImageScore, 1e-6)

	// Resource score is relative to the matching baseline, 2/2.
	require.NotNil(t, analysed.ResourceScore)
	assert.InDelta(t, 1.0, *analysed.ResourceScore, 1e-9)
}

func TestAnalyseResult_NoBaselineIsTerminal(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st, store.InstanceTypeV4Only)

	candidate := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeV4Only],
		solidImage(t, color.White), okResources(3))

	ctx := context.Background()

	require.NoError(t, tasks.AnalyseResult(ctx, candidate.ID))

	analysed, err := st.GetResult(ctx, candidate.ID)
	require.NoError(t, err)
	require.NotNil(t, analysed.Analysed)

	require.NotNil(t, analysed.OverallScore)
	assert.Zero(t, *analysed.OverallScore)

	messages, err := st.ListInstanceRunMessages(ctx, p.run.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.SeverityCritical, messages[0].Severity)
	assert.Contains(t, messages[0].Message, "dual-stack")
}

func TestAnalyseResult_Idempotent(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st, store.InstanceTypeDualStack)

	white := solidImage(t, color.White)
	result := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeDualStack], white, okResources(4))

	ctx := context.Background()

	require.NoError(t, tasks.AnalyseResult(ctx, result.ID))

	first, err := st.GetResult(ctx, result.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Analysed)

	require.NoError(t, tasks.AnalyseResult(ctx, result.ID))

	second, err := st.GetResult(ctx, result.ID)
	require.NoError(t, err)
	assert.True(t, first.Analysed.Equal(*second.Analysed))
}

func TestAnalyseResult_VanishedResultCompletes(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	require.NoError(t, tasks.AnalyseResult(context.Background(), 12345))
}

func TestAnalyseInstanceRun_AggregatesAnalysedResults(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st,
		store.InstanceTypeDualStack, store.InstanceTypeV6Only)

	white := solidImage(t, color.White)

	baseline := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeDualStack], white, okResources(4))
	candidate := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeV6Only], white, okResources(2))

	ctx := context.Background()

	require.NoError(t, tasks.AnalyseResult(ctx, baseline.ID))
	require.NoError(t, tasks.AnalyseResult(ctx, candidate.ID))

	p.run.Finished = ptrTime(time.Now().UTC())
	require.NoError(t, st.SaveInstanceRun(ctx, p.run))

	require.NoError(t, tasks.AnalyseInstanceRun(ctx, p.run.ID))

	run, err := st.GetInstanceRun(ctx, p.run.ID)
	require.NoError(t, err)
	require.NotNil(t, run.Analysed)

	// Baseline scores 1.0 overall, candidate 0.5, mean 0.75.
	require.NotNil(t, run.OverallScore)
	assert.InDelta(t, 0.75, *run.OverallScore, 1e-6)
}

func TestAnalyseInstanceRun_WaitsForUnanalysedResults(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st, store.InstanceTypeDualStack)

	addResult(t, st, p.run,
		p.marvins[store.InstanceTypeDualStack],
		solidImage(t, color.White), okResources(4))

	ctx := context.Background()

	p.run.Finished = ptrTime(time.Now().UTC())
	require.NoError(t, st.SaveInstanceRun(ctx, p.run))

	require.NoError(t, tasks.AnalyseInstanceRun(ctx, p.run.ID))

	run, err := st.GetInstanceRun(ctx, p.run.ID)
	require.NoError(t, err)
	assert.Nil(t, run.Analysed)
}

func TestAnalyseInstanceRun_WaitsForFinished(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st, store.InstanceTypeDualStack)

	result := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeDualStack],
		solidImage(t, color.White), okResources(4))

	ctx := context.Background()

	require.NoError(t, tasks.AnalyseResult(ctx, result.ID))
	require.NoError(t, tasks.AnalyseInstanceRun(ctx, p.run.ID))

	run, err := st.GetInstanceRun(ctx, p.run.ID)
	require.NoError(t, err)
	assert.Nil(t, run.Analysed)
}

func TestAnalyseInstanceRun_NoResultsNeverReady(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st)

	ctx := context.Background()

	p.run.Finished = ptrTime(time.Now().UTC())
	require.NoError(t, st.SaveInstanceRun(ctx, p.run))

	require.NoError(t, tasks.AnalyseInstanceRun(ctx, p.run.ID))

	run, err := st.GetInstanceRun(ctx, p.run.ID)
	require.NoError(t, err)
	assert.Nil(t, run.Analysed)
}

func TestAnalyseTestRun_AggregatesAndAverages(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st,
		store.InstanceTypeDualStack, store.InstanceTypeV6Only)

	white := solidImage(t, color.White)

	baseline := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeDualStack], white, okResources(4))
	candidate := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeV6Only], white, okResources(2))

	ctx := context.Background()

	require.NoError(t, tasks.AnalyseResult(ctx, baseline.ID))
	require.NoError(t, tasks.AnalyseResult(ctx, candidate.ID))

	p.run.Finished = ptrTime(time.Now().UTC())
	require.NoError(t, st.SaveInstanceRun(ctx, p.run))
	require.NoError(t, tasks.AnalyseInstanceRun(ctx, p.run.ID))
	require.NoError(t, tasks.AnalyseTestRun(ctx, p.testRun.ID))

	run, err := st.GetTestRun(ctx, p.testRun.ID)
	require.NoError(t, err)
	require.NotNil(t, run.Analysed)
	require.NotNil(t, run.OverallScore)
	assert.InDelta(t, 0.75, *run.OverallScore, 1e-6)

	averages, err := st.ListTestRunAverages(ctx, p.testRun.ID)
	require.NoError(t, err)
	require.Len(t, averages, 2)

	byType := map[string]float64{}
	for _, avg := range averages {
		require.NotNil(t, avg.OverallScore)
		byType[avg.InstanceType] = *avg.OverallScore
	}

	assert.InDelta(t, 1.0, byType[store.InstanceTypeDualStack], 1e-6)
	assert.InDelta(t, 0.5, byType[store.InstanceTypeV6Only], 1e-6)
}

func TestAnalyseTestRun_FoldsBaselinelessRunIntoAggregates(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st,
		store.InstanceTypeDualStack, store.InstanceTypeV6Only)

	ctx := context.Background()

	// A second node contributes a run whose only result has no
	// dual-stack sibling to compare against.
	nodeB := &store.Trillian{
		Name:     "node-b",
		Hostname: "b.example.net",
		Token:    "token-b",
	}
	require.NoError(t, st.CreateTrillian(ctx, nodeB))

	runB := &store.InstanceRun{
		TestRunID:  p.testRun.ID,
		TrillianID: nodeB.ID,
	}
	require.NoError(t, st.CreateInstanceRun(ctx, runB))

	v4only := &store.Marvin{
		TrillianID:   nodeB.ID,
		Name:         "marvin-" + store.InstanceTypeV4Only,
		InstanceType: store.InstanceTypeV4Only,
	}
	require.NoError(t, st.UpsertMarvin(ctx, v4only))

	white := solidImage(t, color.White)

	baseline := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeDualStack], white, okResources(4))
	candidate := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeV6Only], white, okResources(2))
	orphan := addResult(t, st, runB, v4only, white, okResources(4))

	require.NoError(t, tasks.AnalyseResult(ctx, baseline.ID))
	require.NoError(t, tasks.AnalyseResult(ctx, candidate.ID))
	require.NoError(t, tasks.AnalyseResult(ctx, orphan.ID))

	p.run.Finished = ptrTime(time.Now().UTC())
	require.NoError(t, st.SaveInstanceRun(ctx, p.run))
	runB.Finished = ptrTime(time.Now().UTC())
	require.NoError(t, st.SaveInstanceRun(ctx, runB))

	require.NoError(t, tasks.AnalyseInstanceRun(ctx, p.run.ID))
	require.NoError(t, tasks.AnalyseInstanceRun(ctx, runB.ID))
	require.NoError(t, tasks.AnalyseTestRun(ctx, p.testRun.ID))

	// First run means its two results, 1.0 and 0.5.
	runA, err := st.GetInstanceRun(ctx, p.run.ID)
	require.NoError(t, err)
	require.NotNil(t, runA.OverallScore)
	assert.InDelta(t, 0.75, *runA.OverallScore, 1e-6)

	// The baselineless run scores zero and carries a critical message,
	// but still counts toward the parent.
	analysedB, err := st.GetInstanceRun(ctx, runB.ID)
	require.NoError(t, err)
	require.NotNil(t, analysedB.Analysed)
	require.NotNil(t, analysedB.OverallScore)
	assert.Zero(t, *analysedB.OverallScore)

	messages, err := st.ListInstanceRunMessages(ctx, runB.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.SeverityCritical, messages[0].Severity)

	testRun, err := st.GetTestRun(ctx, p.testRun.ID)
	require.NoError(t, err)
	require.NotNil(t, testRun.Analysed)
	require.NotNil(t, testRun.OverallScore)
	assert.InDelta(t, 0.375, *testRun.OverallScore, 1e-6)

	averages, err := st.ListTestRunAverages(ctx, p.testRun.ID)
	require.NoError(t, err)
	require.Len(t, averages, 3)

	byType := map[string]float64{}
	for _, avg := range averages {
		require.NotNil(t, avg.OverallScore)
		byType[avg.InstanceType] = *avg.OverallScore
	}

	assert.InDelta(t, 1.0, byType[store.InstanceTypeDualStack], 1e-6)
	assert.InDelta(t, 0.5, byType[store.InstanceTypeV6Only], 1e-6)
	assert.Zero(t, byType[store.InstanceTypeV4Only])
}

func TestAnalyseTestRun_WaitsForUnanalysedInstanceRuns(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st, store.InstanceTypeDualStack)

	require.NoError(t, tasks.AnalyseTestRun(context.Background(), p.testRun.ID))

	run, err := st.GetTestRun(context.Background(), p.testRun.ID)
	require.NoError(t, err)
	assert.Nil(t, run.Analysed)
}

func TestAnalyseTestRun_Idempotent(t *testing.T) {
	st := setupTestStore(t)
	tasks := setupTasks(t, st)

	p := seedPipeline(t, st, store.InstanceTypeDualStack)

	white := solidImage(t, color.White)
	result := addResult(t, st, p.run,
		p.marvins[store.InstanceTypeDualStack], white, okResources(4))

	ctx := context.Background()

	require.NoError(t, tasks.AnalyseResult(ctx, result.ID))

	p.run.Finished = ptrTime(time.Now().UTC())
	require.NoError(t, st.SaveInstanceRun(ctx, p.run))
	require.NoError(t, tasks.AnalyseInstanceRun(ctx, p.run.ID))
	require.NoError(t, tasks.AnalyseTestRun(ctx, p.testRun.ID))

	first, err := st.GetTestRun(ctx, p.testRun.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Analysed)

	require.NoError(t, tasks.AnalyseTestRun(ctx, p.testRun.ID))

	second, err := st.GetTestRun(ctx, p.testRun.ID)
	require.NoError(t, err)
	assert.True(t, first.Analysed.Equal(*second.Analysed))
}

func ptrTime(v time.Time) *time.Time {
	return &v
}
