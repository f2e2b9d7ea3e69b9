package cophylike

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

//ScalingPolicy decides when partials are rescaled to avoid underflow
type ScalingPolicy int

const (
	// ScalingDynamic starts unscaled and switches rescaling on the first
	// time a pass underflows to an infinite log-likelihood.
	ScalingDynamic ScalingPolicy = iota
	// ScalingNever never rescales; an infinite log-likelihood is fatal.
	ScalingNever
	// ScalingAlways rescales every partial operation.
	ScalingAlways
)

func (p ScalingPolicy) String() string {
	switch p {
	case ScalingDynamic:
		return "dynamic"
	case ScalingNever:
		return "never"
	case ScalingAlways:
		return "always"
	}
	return fmt.Sprintf("ScalingPolicy(%d)", int(p))
}

//ParseScalingPolicy reads "dynamic", "never" or "always"
func ParseScalingPolicy(s string) (ScalingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dynamic":
		return ScalingDynamic, nil
	case "never", "none":
		return ScalingNever, nil
	case "always":
		return ScalingAlways, nil
	}
	return 0, fmt.Errorf("%w: unknown scaling policy %q", ErrInvalidConfig, s)
}

//Options tunes a TreeLikelihood
type Options struct {
	Scaling ScalingPolicy
	// Debug enables the stale-buffer checks on every schedule.
	Debug bool
	// Workers is handed to the default CPUEngine.
	Workers       int
	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
}

//LikelihoodConfig names the collaborators of a TreeLikelihood
type LikelihoodConfig struct {
	Tree         TreeReader
	Substitution SubstitutionModel
	SiteRates    SiteRateModel
	BranchRates  BranchRateModel
	// Compute defaults to a CPUEngine sized for the tree and data.
	Compute ComputeEngine
	// TipStates holds one state per pattern for every tip, indexed by tip id.
	// A state outside 0..StateCount-1 is fully ambiguous.
	TipStates [][]int
	// TipPartials is used instead of TipStates when set.
	TipPartials    [][]float64
	PatternWeights []float64
}

//EngineConfigFor will size a compute engine for tree and data
func EngineConfigFor(tree TreeReader, stateCount, patternCount, categoryCount, workers int) EngineConfig {
	t := NewBufferIndexTable(tree.NodeCount(), tree.TipCount())
	return EngineConfig{
		TipCount:       tree.TipCount(),
		StateCount:     stateCount,
		PatternCount:   patternCount,
		CategoryCount:  categoryCount,
		PartialBuffers: t.PartialBufferCount(),
		MatrixBuffers:  t.MatrixBufferCount(),
		ScaleBuffers:   t.ScaleBufferCount(),
		EigenBuffers:   t.EigenBufferCount(),
		Workers:        workers,
	}
}

// TreeLikelihood is the incremental likelihood engine for one tree. It is
// not safe for concurrent use; run one value per chain.
type TreeLikelihood struct {
	tree      TreeReader
	subst     SubstitutionModel
	siteRates SiteRateModel
	rates     BranchRateModel
	compute   ComputeEngine
	weights   []float64

	table       *BufferIndexTable
	dirty       *DirtyPropagator
	scheduler   *Scheduler
	checkpoints *CheckpointManager

	opts    Options
	logger  *slog.Logger
	metrics *engineMetrics

	logL        float64
	known       bool
	scaling     bool
	versions    modelVersions
	failed      error
	last        *Schedule
	patternLogL []float64
	passes      int
}

//NewTreeLikelihood validates the tree, loads the tip data and marks everything dirty for the first evaluation
func NewTreeLikelihood(cfg LikelihoodConfig, opts Options) (*TreeLikelihood, error) {
	if cfg.Tree == nil || cfg.Substitution == nil || cfg.SiteRates == nil || cfg.BranchRates == nil {
		return nil, fmt.Errorf("%w: tree and all three models are required", ErrInvalidConfig)
	}
	if err := ValidateTree(cfg.Tree); err != nil {
		return nil, err
	}
	if len(cfg.PatternWeights) == 0 {
		return nil, fmt.Errorf("%w: no patterns", ErrInvalidConfig)
	}
	tips := cfg.Tree.TipCount()
	if cfg.TipPartials == nil && len(cfg.TipStates) != tips {
		return nil, fmt.Errorf("%w: tree has %d tips, data has %d", ErrTaxonMismatch, tips, len(cfg.TipStates))
	}
	if cfg.TipPartials != nil && len(cfg.TipPartials) != tips {
		return nil, fmt.Errorf("%w: tree has %d tips, data has %d", ErrTaxonMismatch, tips, len(cfg.TipPartials))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics, err := newEngineMetrics(opts.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	l := &TreeLikelihood{
		tree:      cfg.Tree,
		subst:     cfg.Substitution,
		siteRates: cfg.SiteRates,
		rates:     cfg.BranchRates,
		compute:   cfg.Compute,
		weights:   append([]float64(nil), cfg.PatternWeights...),
		table:     NewBufferIndexTable(cfg.Tree.NodeCount(), tips),
		dirty:     newDirtyPropagator(cfg.Tree),
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		scaling:   opts.Scaling == ScalingAlways,
	}
	l.scheduler = NewScheduler(l.tree, l.rates, l.table, l.dirty)
	l.checkpoints = newCheckpointManager(l.table)
	if l.compute == nil {
		ec := EngineConfigFor(l.tree, l.subst.StateCount(), len(l.weights), len(l.siteRates.CategoryRates()), opts.Workers)
		if l.compute, err = NewCPUEngine(ec); err != nil {
			return nil, err
		}
	}
	for i := 0; i < tips; i++ {
		if cfg.TipPartials != nil {
			err = l.compute.SetTipPartials(i, cfg.TipPartials[i])
		} else {
			if len(cfg.TipStates[i]) != len(l.weights) {
				return nil, fmt.Errorf("%w: tip %d has %d states for %d patterns", ErrTaxonMismatch, i, len(cfg.TipStates[i]), len(l.weights))
			}
			err = l.compute.SetTipStates(i, cfg.TipStates[i])
		}
		if err != nil {
			return nil, fmt.Errorf("load tip %d: %w", i, err)
		}
	}
	l.versions = l.currentVersions()
	l.dirty.markAll()
	l.dirty.rebuildTransitionModel = true
	l.dirty.updateSiteModel = true
	if src, ok := cfg.Tree.(interface{ Listen(func(ChangeEvent)) }); ok {
		src.Listen(l.listen)
	}
	if src, ok := cfg.BranchRates.(interface{ Listen(func(ChangeEvent)) }); ok {
		src.Listen(l.listen)
	}
	logger.Debug("tree likelihood ready",
		slog.Int("nodes", l.tree.NodeCount()),
		slog.Int("tips", tips),
		slog.Int("patterns", len(l.weights)),
		slog.String("scaling", opts.Scaling.String()))
	return l, nil
}

func (l *TreeLikelihood) listen(ev ChangeEvent) {
	if err := l.Notify(ev); err != nil {
		l.logger.Error("dropped change event", slog.String("kind", ev.Kind.String()), slog.Int("node", ev.Node), slog.String("error", err.Error()))
	}
}

//Notify is the single dispatch point for change events
func (l *TreeLikelihood) Notify(ev ChangeEvent) error {
	if err := l.dirty.Apply(ev); err != nil {
		return err
	}
	l.known = false
	return nil
}

func (l *TreeLikelihood) currentVersions() modelVersions {
	return modelVersions{
		substitution: l.subst.Version(),
		siteRates:    l.siteRates.Version(),
		branchRates:  l.rates.Version(),
	}
}

func (l *TreeLikelihood) pollVersions() error {
	v := l.currentVersions()
	var events []ChangeEvent
	if v.substitution != l.versions.substitution {
		events = append(events, ChangeEvent{Kind: StructureChanged})
	}
	if v.siteRates != l.versions.siteRates {
		events = append(events, ChangeEvent{Kind: SiteModelChanged})
	}
	if v.branchRates != l.versions.branchRates {
		events = append(events, ChangeEvent{Kind: RateChanged, Node: AllNodes})
	}
	for _, ev := range events {
		if err := l.Notify(ev); err != nil {
			return fmt.Errorf("model change %s: %w", ev.Kind, err)
		}
	}
	l.versions = v
	return nil
}

//EvaluateLogLikelihood returns the cached value when nothing changed, otherwise it runs one incremental pass. ctx is used for tracing only.
func (l *TreeLikelihood) EvaluateLogLikelihood(ctx context.Context) (float64, error) {
	if l.failed != nil {
		return 0, fmt.Errorf("%w: %w", ErrEngineFailed, l.failed)
	}
	if err := l.pollVersions(); err != nil {
		return 0, err
	}
	if l.known {
		l.metrics.cacheHits.Add(ctx, 1)
		return l.logL, nil
	}
	ctx, span := tracer.Start(ctx, "TreeLikelihood.Evaluate")
	defer span.End()
	logL, err := l.calculate(ctx)
	if err != nil {
		l.failed = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.Error("likelihood evaluation failed", slog.String("error", err.Error()))
		return 0, fmt.Errorf("%w: %w", ErrEngineFailed, err)
	}
	span.SetAttributes(
		attribute.Int("operations", len(l.last.Operations)),
		attribute.Int("matrix_updates", len(l.last.MatrixUpdates)),
		attribute.Bool("scaling", l.scaling),
	)
	l.logL = logL
	l.known = true
	return logL, nil
}

func (l *TreeLikelihood) calculate(ctx context.Context) (float64, error) {
	root := l.tree.Root()
	l.table.BeginPass()
	l.passes++
	if l.dirty.rebuildTransitionModel {
		es, err := l.subst.EigenDecomposition()
		if err != nil {
			return 0, err
		}
		if !l.table.EigenFlippedInRevision() {
			l.table.FlipEigen()
		}
		if err := l.compute.SetEigenDecomposition(l.table.CurrentEigen(), es); err != nil {
			return 0, err
		}
		l.dirty.rebuildTransitionModel = false
	}
	if l.dirty.updateSiteModel {
		if err := l.compute.SetCategoryRates(l.siteRates.CategoryRates()); err != nil {
			return 0, err
		}
		l.dirty.updateSiteModel = false
	}
	sched, err := l.scheduler.Schedule(root, ScheduleOptions{Scaling: l.scaling, Debug: l.opts.Debug})
	if err != nil {
		return 0, err
	}
	l.last = sched
	if err := l.compute.ApplyMatrixUpdates(l.table.CurrentEigen(), sched.MatrixUpdates); err != nil {
		return 0, err
	}
	if err := l.compute.ApplyPartialOperations(sched.Operations); err != nil {
		return 0, err
	}
	l.metrics.recordWork(ctx, sched.MatrixUpdates, sched.Operations)
	ops := len(sched.Operations)
	logL, err := l.integrate(root)
	if err != nil {
		return 0, err
	}
	if math.IsInf(logL, 0) && !l.scaling && l.opts.Scaling == ScalingDynamic {
		l.logger.Warn("likelihood under/overflow, switching partials rescaling on",
			slog.Int("pass", l.passes), slog.Float64("logL", logL))
		l.metrics.rescales.Add(ctx, 1)
		l.scaling = true
		retry, err := l.scheduler.Schedule(root, ScheduleOptions{Scaling: true, Recompute: true, Debug: l.opts.Debug})
		if err != nil {
			return 0, err
		}
		if err := l.compute.ApplyPartialOperations(retry.Operations); err != nil {
			return 0, err
		}
		l.metrics.recordWork(ctx, nil, retry.Operations)
		ops += len(retry.Operations)
		l.last = &Schedule{MatrixUpdates: sched.MatrixUpdates, Operations: retry.Operations}
		if logL, err = l.integrate(root); err != nil {
			return 0, err
		}
	}
	l.metrics.recordPass(ctx, ops)
	if math.IsNaN(logL) {
		return 0, ErrNaNLikelihood
	}
	if math.IsInf(logL, 0) {
		return 0, fmt.Errorf("%w: %g with scaling %v", ErrNonFiniteLikelihood, logL, l.scaling)
	}
	l.logger.Debug("likelihood pass",
		slog.Int("pass", l.passes),
		slog.Int("operations", len(l.last.Operations)),
		slog.Int("matrix_updates", len(l.last.MatrixUpdates)),
		slog.Float64("logL", logL))
	return logL, nil
}

func (l *TreeLikelihood) integrate(root int) (float64, error) {
	req := RootRequest{
		Root:             l.table.CurrentPartial(root),
		CategoryWeights:  l.siteRates.CategoryWeights(),
		StateFrequencies: l.subst.Frequencies(),
	}
	if l.scaling {
		for n := l.tree.TipCount(); n < l.tree.NodeCount(); n++ {
			req.ScaleBuffers = append(req.ScaleBuffers, l.table.CurrentScale(n))
		}
	}
	per, err := l.compute.EvaluateRoot(req)
	if err != nil {
		return 0, err
	}
	l.patternLogL = per
	return Aggregate(per, l.weights), nil
}

//StoreState checkpoints the engine before a proposal mutates the model
func (l *TreeLikelihood) StoreState() {
	l.checkpoints.Store(Checkpoint{LogL: l.logL, Known: l.known, Scaling: l.scaling, versions: l.versions})
}

//RestoreState rolls back to the last StoreState. It fails with ErrNoCheckpoint when nothing is pending.
func (l *TreeLikelihood) RestoreState() error {
	cp, err := l.checkpoints.Restore()
	if err != nil {
		return err
	}
	l.logL, l.known, l.scaling, l.versions = cp.LogL, cp.Known, cp.Scaling, cp.versions
	l.dirty.clear()
	l.dirty.rebuildTransitionModel = false
	if !cp.Known {
		// the checkpoint predates any evaluation of its own state
		l.dirty.markAll()
		l.dirty.rebuildTransitionModel = true
	}
	// category rates may have moved with the rejected proposal
	l.dirty.updateSiteModel = true
	l.metrics.restores.Add(context.Background(), 1)
	return nil
}

//AcceptState commits the proposal evaluated since the last StoreState
func (l *TreeLikelihood) AcceptState() {
	l.checkpoints.Accept()
	l.metrics.accepts.Add(context.Background(), 1)
}

//Table exposes the buffer table, mostly for inspection in tests and reports
func (l *TreeLikelihood) Table() *BufferIndexTable { return l.table }

//LastSchedule returns the work emitted by the most recent pass
func (l *TreeLikelihood) LastSchedule() *Schedule { return l.last }

//PatternLogLikelihoods returns the per-pattern values of the most recent pass
func (l *TreeLikelihood) PatternLogLikelihoods() []float64 {
	return append([]float64(nil), l.patternLogL...)
}

//Scaling reports whether partials are currently rescaled
func (l *TreeLikelihood) Scaling() bool { return l.scaling }

//Passes counts evaluation passes that ran the scheduler
func (l *TreeLikelihood) Passes() int { return l.passes }
