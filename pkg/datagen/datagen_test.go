package datagen

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

type fakeLLM struct {
	response string
	err      error
	calls    int32
}

func (f *fakeLLM) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.response}},
	}, nil
}

func (f *fakeLLM) Call(ctx context.Context, _ string, _ ...llms.CallOption) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.response, f.err
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestFakeValuesDeterministic(t *testing.T) {
	first, ok := FakeValues("phone_number", 5, tagRand("phone_number"))
	require.True(t, ok)
	second, ok := FakeValues("phone_number", 5, tagRand("phone_number"))
	require.True(t, ok)
	assert.Equal(t, first, second)

	pattern := regexp.MustCompile(`^\d{3}-\d{3}-\d{4}$`)
	for _, v := range first {
		assert.Regexp(t, pattern, v)
	}
}

func TestCanonicalTagAliases(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"phone_number", "PHONE"},
		{"PhoneNumber", "PHONE"},
		{"full name", "NAME"},
		{"email_address", "EMAIL"},
		{"social-security-number", "SSN"},
		{"organization", "COMPANY"},
		{"GADGET", "GADGET"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canonicalTag(tt.in), tt.in)
	}
}

func TestUnknownTagHasNoFaker(t *testing.T) {
	_, ok := FakeValues("GADGET", 3, tagRand("GADGET"))
	assert.False(t, ok)
}

func TestReservoirBoundsSize(t *testing.T) {
	r, err := OpenReservoir(filepath.Join(t.TempDir(), "reservoir.db"), 10)
	require.NoError(t, err)
	defer r.Close()

	batch := make([]string, 100)
	for i := range batch {
		batch[i] = "sample-" + string(rune('a'+i%26))
	}
	require.NoError(t, r.Add("PHONE", batch, 1))

	kept, err := r.Samples("PHONE")
	require.NoError(t, err)
	assert.Len(t, kept, 10)

	seen, err := r.Seen("PHONE")
	require.NoError(t, err)
	assert.Equal(t, 100, seen)
}

func TestReservoirKeepsEverythingUnderCap(t *testing.T) {
	r, err := OpenReservoir(filepath.Join(t.TempDir(), "reservoir.db"), 100)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Add("NAME", []string{"a", "b", "c"}, 1))
	kept, err := r.Samples("NAME")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, kept)
}

func TestReservoirAdmitsLateSamples(t *testing.T) {
	r, err := OpenReservoir(filepath.Join(t.TempDir(), "reservoir.db"), 50)
	require.NoError(t, err)
	defer r.Close()

	early := make([]string, 400)
	for i := range early {
		early[i] = "early"
	}
	require.NoError(t, r.Add("TAG", early, 1))

	late := make([]string, 400)
	for i := range late {
		late[i] = "late"
	}
	require.NoError(t, r.Add("TAG", late, 2))

	kept, err := r.Samples("TAG")
	require.NoError(t, err)
	require.Len(t, kept, 50)

	lateKept := 0
	for _, v := range kept {
		if v == "late" {
			lateKept++
		}
	}
	assert.Greater(t, lateKept, 0, "recency-weighted replacement never admitted a late sample")
}

func TestGeneratorTokenOutput(t *testing.T) {
	g := NewGenerator(nil, nil, 2)
	out := t.TempDir()

	result, err := g.Run(context.Background(), Job{
		ModelID:       "m1",
		Task:          TaskToken,
		Tags:          []string{"phone_number"},
		SamplesPerTag: 20,
		TestFraction:  0.2,
		OutDir:        out,
	})
	require.NoError(t, err)
	assert.Equal(t, 16, result.TrainRows)
	assert.Equal(t, 4, result.TestRows)
	assert.Empty(t, result.FailedTags)

	rows := readCSV(t, result.TrainPath)
	require.Equal(t, []string{"source", "target"}, rows[0])
	for _, row := range rows[1:] {
		tokens := strings.Fields(row[0])
		labels := strings.Fields(row[1])
		require.Equal(t, len(tokens), len(labels), "source and target must align per token")
		assert.Contains(t, labels, "phone_number")
		assert.Contains(t, labels, "O")
	}
}

func TestGeneratorTextOutput(t *testing.T) {
	g := NewGenerator(nil, nil, 2)

	result, err := g.Run(context.Background(), Job{
		Task:          TaskText,
		Tags:          []string{"company"},
		SamplesPerTag: 10,
		TestFraction:  0.1,
		OutDir:        t.TempDir(),
	})
	require.NoError(t, err)

	rows := readCSV(t, result.TrainPath)
	require.Equal(t, []string{"text", "label"}, rows[0])
	for _, row := range rows[1:] {
		assert.Equal(t, "company", row[1])
		assert.NotContains(t, row[0], "[company]")
	}
}

func TestGeneratorLLMFallbackForUnknownTag(t *testing.T) {
	model := &fakeLLM{response: "widget mk1\nwidget mk2\nwidget mk3"}
	provider := NewProvider(model, "", zerolog.Nop())
	g := NewGenerator(provider, nil, 2)

	result, err := g.Run(context.Background(), Job{
		Task:          TaskText,
		Tags:          []string{"GADGET"},
		SamplesPerTag: 5,
		TestFraction:  0.2,
		OutDir:        t.TempDir(),
	})
	require.NoError(t, err)
	assert.Empty(t, result.FailedTags)

	rows := readCSV(t, result.TrainPath)
	require.Greater(t, len(rows), 1)
	for _, row := range rows[1:] {
		assert.Contains(t, row[0], "widget")
	}
}

func TestGeneratorSkipsFailingTagWritesTraceback(t *testing.T) {
	traceback := filepath.Join(t.TempDir(), "traceback.log")
	model := &fakeLLM{err: errors.New("provider down")}
	provider := NewProvider(model, traceback, zerolog.Nop())
	g := NewGenerator(provider, nil, 2)

	result, err := g.Run(context.Background(), Job{
		Task:          TaskToken,
		Tags:          []string{"GADGET", "phone_number"},
		SamplesPerTag: 10,
		TestFraction:  0.1,
		OutDir:        t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"GADGET"}, result.FailedTags)
	assert.Greater(t, result.TrainRows, 0)

	raw, err := os.ReadFile(traceback)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "provider down")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	model := &fakeLLM{err: errors.New("boom")}
	provider := NewProvider(model, "", zerolog.Nop())

	var lastErr error
	for i := 0; i < 6; i++ {
		_, lastErr = provider.Complete(context.Background(), "prompt")
		require.Error(t, lastErr)
	}
	assert.ErrorIs(t, lastErr, gobreaker.ErrOpenState)
	// The sixth call never reached the model.
	assert.Equal(t, int32(5), atomic.LoadInt32(&model.calls))
}

func TestUserSamplesJoinGeneratedValues(t *testing.T) {
	sampler, err := OpenReservoir(filepath.Join(t.TempDir(), "reservoir.db"), 100)
	require.NoError(t, err)
	defer sampler.Close()
	require.NoError(t, sampler.Add("GADGET", []string{"000-UNIQUE-0000"}, 1))

	provider := NewProvider(&fakeLLM{response: "widget mk1"}, "", zerolog.Nop())
	g := NewGenerator(provider, sampler, 2)
	result, err := g.Run(context.Background(), Job{
		Task:          TaskText,
		Tags:          []string{"GADGET"},
		SamplesPerTag: 50,
		TestFraction:  0.1,
		OutDir:        t.TempDir(),
	})
	require.NoError(t, err)

	found := false
	for _, path := range []string{result.TrainPath, result.TestPath} {
		for _, row := range readCSV(t, path) {
			if strings.Contains(row[0], "000-UNIQUE-0000") {
				found = true
			}
		}
	}
	assert.True(t, found, "user sample never drawn into output")
}
