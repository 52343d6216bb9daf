package datagen

import (
	"context"
	"encoding/csv"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/bazaar/pkg/log"
)

// Task selects the output shape: token tasks emit source,target rows
// where target is the per-token label sequence; text tasks emit
// text,label rows.
type Task string

const (
	TaskToken Task = "token"
	TaskText  Task = "text"
)

// Job describes one synthetic-data run.
type Job struct {
	ModelID       string
	Task          Task
	Tags          []string
	SamplesPerTag int
	TemplatesTag  int
	TestFraction  float64
	OutDir        string

	// RecencyMultiplier biases reservoir replacement toward newer
	// user samples.
	RecencyMultiplier float64
}

// Result reports what a run produced.
type Result struct {
	TrainPath  string
	TestPath   string
	TrainRows  int
	TestRows   int
	FailedTags []string
}

// Generator produces labelled training data from tag values and
// sentence templates.
type Generator struct {
	provider *Provider
	sampler  *Reservoir
	logger   zerolog.Logger
	parallel int
}

// NewGenerator builds a generator. provider may be nil (faker-only
// runs); sampler may be nil when no user samples exist.
func NewGenerator(provider *Provider, sampler *Reservoir, parallel int) *Generator {
	if parallel <= 0 {
		parallel = 4
	}
	return &Generator{
		provider: provider,
		sampler:  sampler,
		logger:   log.WithComponent("datagen"),
		parallel: parallel,
	}
}

// tagData is everything gathered for one tag before filling.
type tagData struct {
	values    []string
	templates []string
}

// Run generates values and templates for every tag, fills them, splits
// train/test per tag, and writes the two CSV files. A tag whose LLM
// calls fail is skipped and reported, never fatal.
func (g *Generator) Run(ctx context.Context, job Job) (Result, error) {
	if len(job.Tags) == 0 {
		return Result{}, fmt.Errorf("job has no tags")
	}
	if job.SamplesPerTag <= 0 {
		job.SamplesPerTag = 100
	}
	if job.TemplatesTag <= 0 {
		job.TemplatesTag = 10
	}
	if job.TestFraction <= 0 || job.TestFraction >= 1 {
		job.TestFraction = 0.1
	}

	var (
		mu     sync.Mutex
		byTag  = make(map[string]tagData, len(job.Tags))
		failed []string
	)

	// Tag generation fans out; the limit bounds concurrent LLM calls.
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.parallel)
	for _, tag := range job.Tags {
		tag := tag
		group.Go(func() error {
			data, err := g.gatherTag(groupCtx, job, tag)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				g.logger.Warn().Err(err).Str("tag", tag).Msg("tag generation failed, skipping")
				failed = append(failed, tag)
				return nil
			}
			byTag[tag] = data
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, err
	}

	var trainRows, testRows [][]string
	for _, tag := range job.Tags {
		data, ok := byTag[tag]
		if !ok {
			continue
		}
		rows := g.fill(job, tag, data)

		// Per-tag split so no value leaks across the boundary.
		rng := tagRand(tag)
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		cut := int(float64(len(rows)) * job.TestFraction)
		testRows = append(testRows, rows[:cut]...)
		trainRows = append(trainRows, rows[cut:]...)
	}

	if len(trainRows) == 0 {
		return Result{FailedTags: failed}, fmt.Errorf("no rows generated")
	}

	header := []string{"source", "target"}
	if job.Task == TaskText {
		header = []string{"text", "label"}
	}

	trainPath := filepath.Join(job.OutDir, "train.csv")
	testPath := filepath.Join(job.OutDir, "test.csv")
	if err := writeCSV(trainPath, header, trainRows); err != nil {
		return Result{}, err
	}
	if err := writeCSV(testPath, header, testRows); err != nil {
		return Result{}, err
	}

	return Result{
		TrainPath:  trainPath,
		TestPath:   testPath,
		TrainRows:  len(trainRows),
		TestRows:   len(testRows),
		FailedTags: failed,
	}, nil
}

// gatherTag collects values (faker, else LLM, plus reservoir samples)
// and templates (LLM, else builtin) for one tag.
func (g *Generator) gatherTag(ctx context.Context, job Job, tag string) (tagData, error) {
	rng := tagRand(tag)

	values, ok := FakeValues(tag, job.SamplesPerTag, rng)
	if !ok {
		if !g.provider.Available() {
			return tagData{}, fmt.Errorf("no generator for tag %s and no completion backend", tag)
		}
		llmValues, err := g.provider.Values(ctx, tag, job.SamplesPerTag)
		if err != nil {
			return tagData{}, fmt.Errorf("failed to generate values for %s: %w", tag, err)
		}
		values = llmValues
	}

	if g.sampler != nil {
		user, err := g.sampler.Samples(tag)
		if err != nil {
			g.logger.Warn().Err(err).Str("tag", tag).Msg("failed to read user samples")
		} else {
			values = append(values, user...)
		}
	}
	if len(values) == 0 {
		return tagData{}, fmt.Errorf("no values for tag %s", tag)
	}

	templates := builtinTemplates(tag)
	if g.provider.Available() {
		llmTemplates, err := g.provider.Templates(ctx, []string{tag}, job.TemplatesTag)
		if err != nil {
			g.logger.Warn().Err(err).Str("tag", tag).Msg("template generation failed, using builtins")
		} else if len(llmTemplates) > 0 {
			templates = append(llmTemplates, templates...)
		}
	}

	return tagData{values: values, templates: usableTemplates(templates, tag)}, nil
}

// fill produces one row per requested sample by pairing a template with
// a value.
func (g *Generator) fill(job Job, tag string, data tagData) [][]string {
	rng := tagRand(tag + "/fill")
	placeholder := "[" + tag + "]"

	rows := make([][]string, 0, job.SamplesPerTag)
	for i := 0; i < job.SamplesPerTag; i++ {
		template := data.templates[rng.Intn(len(data.templates))]
		value := data.values[rng.Intn(len(data.values))]

		if job.Task == TaskText {
			rows = append(rows, []string{strings.ReplaceAll(template, placeholder, value), tag})
			continue
		}

		source, target := fillTokenRow(template, placeholder, value, tag)
		rows = append(rows, []string{source, target})
	}
	return rows
}

// fillTokenRow substitutes the value and emits the aligned label
// sequence: O for every template token, the tag for every value token.
func fillTokenRow(template, placeholder, value, tag string) (source, target string) {
	before, after, _ := strings.Cut(template, placeholder)

	var tokens, labels []string
	for _, tok := range strings.Fields(before) {
		tokens = append(tokens, tok)
		labels = append(labels, "O")
	}
	for _, tok := range strings.Fields(value) {
		tokens = append(tokens, tok)
		labels = append(labels, tag)
	}
	for _, tok := range strings.Fields(after) {
		tokens = append(tokens, tok)
		labels = append(labels, "O")
	}
	return strings.Join(tokens, " "), strings.Join(labels, " ")
}

// builtinTemplates are the faker-side fallback when no LLM is
// configured or template generation failed.
func builtinTemplates(tag string) []string {
	ph := "[" + tag + "]"
	lower := strings.ToLower(strings.ReplaceAll(tag, "_", " "))
	return []string{
		fmt.Sprintf("my %s is %s", lower, ph),
		fmt.Sprintf("please update the %s to %s", lower, ph),
		fmt.Sprintf("%s was entered as the %s on the form", ph, lower),
		fmt.Sprintf("you can verify %s against our records", ph),
		fmt.Sprintf("the account lists %s which looks wrong", ph),
		fmt.Sprintf("remove %s from the file immediately", ph),
	}
}

// usableTemplates keeps only templates that actually contain the
// placeholder; an LLM sometimes drops it.
func usableTemplates(templates []string, tag string) []string {
	placeholder := "[" + tag + "]"
	kept := templates[:0]
	for _, template := range templates {
		if strings.Contains(template, placeholder) {
			kept = append(kept, template)
		}
	}
	if len(kept) == 0 {
		return builtinTemplates(tag)
	}
	return kept
}

// tagRand derives a deterministic source per tag so a rerun with the
// same tags produces the same faker output.
func tagRand(tag string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func writeCSV(path string, header []string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return nil
}
