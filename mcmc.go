package cophylike

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"gonum.org/v1/gonum/stat/distuv"
)

//Models bundles the parameterised collaborators of one chain
type Models struct {
	Substitution SubstitutionModel
	HKY          *HKY // nil for the binary alphabet
	SiteRates    *GammaSiteRates
	Clock        *StrictClock
}

//NewModels will build the substitution, site rate and clock models named by cfg
func NewModels(cfg ModelConfig, alpha *Alphabet) (*Models, error) {
	m := new(Models)
	var err error
	switch alpha {
	case DNA:
		if m.HKY, err = NewHKY(cfg.Kappa, cfg.Frequencies); err != nil {
			return nil, err
		}
		m.Substitution = m.HKY
	case Binary:
		m.Substitution = BinarySymmetric{}
	default:
		return nil, fmt.Errorf("%w: no substitution model for alphabet %s", ErrInvalidConfig, alpha.NAME)
	}
	if m.SiteRates, err = NewGammaSiteRates(cfg.GammaAlpha, cfg.GammaCategories); err != nil {
		return nil, err
	}
	if !(cfg.ClockRate > 0) {
		return nil, fmt.Errorf("%w: clock rate must be positive, got %g", ErrInvalidConfig, cfg.ClockRate)
	}
	m.Clock = NewStrictClock(cfg.ClockRate)
	return m, nil
}

//BuildLikelihood will load the patterns into a fresh engine over tree
func BuildLikelihood(tree *Tree, pat *Patterns, models *Models, opts Options) (*TreeLikelihood, error) {
	cfg := LikelihoodConfig{
		Tree:         tree,
		Substitution: models.Substitution,
		SiteRates:    models.SiteRates,
		BranchRates:  models.Clock,
	}
	if err := pat.Fill(&cfg, tree.TipNames()); err != nil {
		return nil, err
	}
	return NewTreeLikelihood(cfg, opts)
}

//MoveStats counts proposals and acceptances of one move type
type MoveStats struct {
	Proposed int `json:"proposed"`
	Accepted int `json:"accepted"`
}

//RunSummary is written as JSON at the end of a run
type RunSummary struct {
	RunID          string               `json:"run_id"`
	Generations    int                  `json:"generations"`
	Seed           uint64               `json:"seed"`
	FinalLogL      float64              `json:"final_log_likelihood"`
	FinalLogPrior  float64              `json:"final_log_prior"`
	Passes         int                  `json:"likelihood_passes"`
	Moves          map[string]MoveStats `json:"moves"`
	ClockRate      float64              `json:"clock_rate"`
	Kappa          float64              `json:"kappa,omitempty"`
	TreeLength     float64              `json:"tree_length"`
	ElapsedSeconds float64              `json:"elapsed_seconds"`
	FinalTree      string               `json:"final_tree"`
}

//MCMC is a struct for storing information about the current run
type MCMC struct {
	RUNID      uuid.UUID
	NGEN       int
	PRINTFREQ  int
	SAMPLEFREQ int
	SEED       uint64
	TREE       *Tree
	INNODES    []*Node // internal nodes below the root, the targets of height moves
	MODELS     *Models
	LIKE       *TreeLikelihood
	TREELL     *LL
	CLOCKPRIOR *ParameterPrior
	KAPPAPRIOR *ParameterPrior
	PRIOR      float64
	STEPLEN    map[string]float64
	STATS      map[string]*MoveStats

	unif   distuv.Uniform
	rng    *rand.Rand
	logger *slog.Logger
}

const (
	moveHeight = "node_height"
	moveClock  = "clock_rate"
	moveKappa  = "kappa"
)

//InitMCMC sets up all of the attributes of the MCMC run
func InitMCMC(cfg RunConfig, tree *Tree, pat *Patterns, logger *slog.Logger, mp metric.MeterProvider) (*MCMC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	alpha, err := cfg.AlphabetOf()
	if err != nil {
		return nil, err
	}
	if pat.Alphabet != alpha {
		return nil, fmt.Errorf("%w: patterns were read as %s, run is configured for %s", ErrInvalidConfig, pat.Alphabet.NAME, alpha.NAME)
	}
	models, err := NewModels(cfg.Model, alpha)
	if err != nil {
		return nil, err
	}
	scaling, err := ParseScalingPolicy(cfg.Engine.Scaling)
	if err != nil {
		return nil, err
	}
	chain := new(MCMC)
	chain.RUNID = uuid.New()
	chain.logger = logger.With(slog.String("run_id", chain.RUNID.String()))
	chain.LIKE, err = BuildLikelihood(tree, pat, models, Options{
		Scaling:       scaling,
		Debug:         cfg.Engine.Debug,
		Workers:       cfg.Engine.Workers,
		Logger:        chain.logger,
		MeterProvider: mp,
	})
	if err != nil {
		return nil, err
	}
	chain.NGEN = cfg.Generations
	chain.PRINTFREQ = cfg.PrintFreq
	chain.SAMPLEFREQ = cfg.SampleFreq
	chain.SEED = cfg.Seed
	chain.TREE = tree
	for _, n := range InternalNodeSlice(tree.NODES) {
		if n.PAR != nil {
			chain.INNODES = append(chain.INNODES, n)
		}
	}
	chain.MODELS = models
	chain.TREELL = new(LL)
	if chain.CLOCKPRIOR, err = InitExpPrior(moveClock, cfg.Priors.ClockRateMean); err != nil {
		return nil, err
	}
	if models.HKY != nil {
		if chain.KAPPAPRIOR, err = InitExpPrior(moveKappa, cfg.Priors.KappaMean); err != nil {
			return nil, err
		}
	}
	chain.STEPLEN = map[string]float64{
		moveHeight: cfg.Proposals.HeightWindow,
		moveClock:  cfg.Proposals.ClockScale,
		moveKappa:  cfg.Proposals.KappaScale,
	}
	chain.STATS = map[string]*MoveStats{moveHeight: {}, moveClock: {}}
	if models.HKY != nil {
		chain.STATS[moveKappa] = &MoveStats{}
	}
	chain.rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	chain.unif = distuv.Uniform{Min: 0, Max: 1, Src: chain.rng}
	return chain, nil
}

func (chain *MCMC) logPrior() float64 {
	lp := chain.CLOCKPRIOR.Calc(chain.MODELS.Clock.Rate())
	if chain.KAPPAPRIOR != nil {
		lp += chain.KAPPAPRIOR.Calc(chain.MODELS.HKY.Kappa())
	}
	return lp
}

//Run will run the chain, writing a tab-separated log to logOut and sampled trees to treeOut
func (chain *MCMC) Run(ctx context.Context, logOut, treeOut io.Writer) (*RunSummary, error) {
	start := time.Now()
	lw := bufio.NewWriter(logOut)
	tw := bufio.NewWriter(treeOut)
	var err error
	if chain.TREELL.CUR, err = chain.LIKE.EvaluateLogLikelihood(ctx); err != nil {
		return nil, err
	}
	chain.PRIOR = chain.logPrior()
	chain.logger.Info("starting chain",
		slog.Int("generations", chain.NGEN),
		slog.Uint64("seed", chain.SEED),
		slog.Float64("logL", chain.TREELL.CUR))
	fmt.Fprintln(lw, "generation\tlogPrior\tlogLikelihood\tclockRate\tkappa\ttreeLength")
	for i := 0; i <= chain.NGEN; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 {
			if err := chain.update(ctx); err != nil {
				return nil, fmt.Errorf("generation %d: %w", i, err)
			}
		}
		if i%200 == 0 && i > 0 && i <= chain.NGEN/10 {
			chain.tune(i)
		}
		if i%chain.SAMPLEFREQ == 0 {
			chain.writeSample(lw, tw, i)
		}
		if chain.PRINTFREQ > 0 && i%chain.PRINTFREQ == 0 {
			chain.logger.Info("progress",
				slog.Int("generation", i),
				slog.Float64("logPrior", chain.PRIOR),
				slog.Float64("logL", chain.TREELL.CUR))
		}
	}
	if err := lw.Flush(); err != nil {
		return nil, err
	}
	if err := tw.Flush(); err != nil {
		return nil, err
	}
	return chain.summary(time.Since(start)), nil
}

func (chain *MCMC) writeSample(lw, tw *bufio.Writer, gen int) {
	kappa := "NA"
	if chain.MODELS.HKY != nil {
		kappa = strconv.FormatFloat(chain.MODELS.HKY.Kappa(), 'f', -1, 64)
	}
	fmt.Fprint(lw, strconv.Itoa(gen)+"\t"+
		strconv.FormatFloat(chain.PRIOR, 'f', -1, 64)+"\t"+
		strconv.FormatFloat(chain.TREELL.CUR, 'f', -1, 64)+"\t"+
		strconv.FormatFloat(chain.MODELS.Clock.Rate(), 'f', -1, 64)+"\t"+
		kappa+"\t"+
		strconv.FormatFloat(TreeLength(chain.TREE.NODES), 'f', -1, 64)+"\n")
	fmt.Fprint(tw, chain.TREE.Newick()+"\n")
}

func (chain *MCMC) summary(elapsed time.Duration) *RunSummary {
	s := &RunSummary{
		RunID:          chain.RUNID.String(),
		Generations:    chain.NGEN,
		Seed:           chain.SEED,
		FinalLogL:      chain.TREELL.CUR,
		FinalLogPrior:  chain.PRIOR,
		Passes:         chain.LIKE.Passes(),
		Moves:          make(map[string]MoveStats, len(chain.STATS)),
		ClockRate:      chain.MODELS.Clock.Rate(),
		TreeLength:     TreeLength(chain.TREE.NODES),
		ElapsedSeconds: elapsed.Seconds(),
		FinalTree:      chain.TREE.Newick(),
	}
	if chain.MODELS.HKY != nil {
		s.Kappa = chain.MODELS.HKY.Kappa()
	}
	for k, v := range chain.STATS {
		s.Moves[k] = *v
	}
	return s
}

// update draws one move and runs it through the store, mutate, evaluate,
// accept-or-restore protocol.
func (chain *MCMC) update(ctx context.Context) error {
	moves := []string{moveHeight, moveClock}
	if chain.MODELS.HKY != nil {
		moves = append(moves, moveKappa)
	}
	if len(chain.INNODES) == 0 {
		moves = moves[1:]
	}
	move := moves[chain.rng.IntN(len(moves))]
	chain.LIKE.StoreState()
	var logHastings float64
	var undo func()
	switch move {
	case moveHeight:
		logHastings, undo = chain.proposeHeight()
	case moveClock:
		logHastings, undo = chain.proposeClockRate()
	case moveKappa:
		logHastings, undo = chain.proposeKappa()
	}
	st := chain.STATS[move]
	st.Proposed++
	lpstar := chain.logPrior()
	if math.IsInf(lpstar, -1) {
		undo()
		return chain.LIKE.RestoreState()
	}
	llstar, err := chain.LIKE.EvaluateLogLikelihood(ctx)
	if err != nil {
		return err
	}
	chain.TREELL.Propose(llstar)
	logAlpha := chain.TREELL.Delta() + (lpstar - chain.PRIOR) + logHastings
	if math.Log(chain.unif.Rand()) < logAlpha {
		chain.LIKE.AcceptState()
		chain.PRIOR = lpstar
		st.Accepted++
		return nil
	}
	// parameters go back first so the engine's restored versions match them
	undo()
	chain.TREELL.Reject()
	return chain.LIKE.RestoreState()
}

// proposeHeight slides an internal node's height inside the interval set
// by its oldest child and its parent, reflecting at the bounds.
func (chain *MCMC) proposeHeight() (float64, func()) {
	n := chain.INNODES[chain.rng.IntN(len(chain.INNODES))]
	lower := 0.
	for _, c := range n.CHLD {
		lower = math.Max(lower, c.HEIGHT)
	}
	upper := n.PAR.HEIGHT
	old := n.HEIGHT
	h := reflectWindow(old+(chain.unif.Rand()-0.5)*chain.STEPLEN[moveHeight], lower, upper)
	chain.TREE.SetNodeHeight(n.NUM, h)
	return 0, func() { chain.TREE.SetNodeHeight(n.NUM, old) }
}

func (chain *MCMC) proposeClockRate() (float64, func()) {
	clock := chain.MODELS.Clock
	clock.Store()
	c := math.Exp((chain.unif.Rand() - 0.5) * chain.STEPLEN[moveClock])
	clock.SetRate(clock.Rate() * c)
	return math.Log(c), clock.Restore
}

func (chain *MCMC) proposeKappa() (float64, func()) {
	hky := chain.MODELS.HKY
	hky.Store()
	c := math.Exp((chain.unif.Rand() - 0.5) * chain.STEPLEN[moveKappa])
	hky.SetKappa(hky.Kappa() * c)
	return math.Log(c), hky.Restore
}

func reflectWindow(x, lower, upper float64) float64 {
	if upper <= lower {
		return lower
	}
	for x < lower || x > upper {
		if x < lower {
			x = 2*lower - x
		}
		if x > upper {
			x = 2*upper - x
		}
	}
	return x
}

// tune rescales each step length toward the acceptance ratio that is optimal
// for uniform proposals. Only used during the first tenth of the run.
func (chain *MCMC) tune(gen int) {
	for k, st := range chain.STATS {
		if st.Proposed == 0 {
			continue
		}
		ratio := float64(st.Accepted) / float64(st.Proposed)
		chain.STEPLEN[k] = adjustStepLength(chain.STEPLEN[k], ratio)
	}
	chain.logger.Debug("tuned step lengths", slog.Int("generation", gen), slog.Any("steps", chain.STEPLEN))
}

func adjustStepLength(epsilon, acceptanceRatio float64) (epsilonStar float64) {
	acceptanceRatioStar := 0.44
	s := math.Pi / 2.
	// keep the ratio off 0 and 1 so the step never collapses or explodes
	acceptanceRatio = math.Min(math.Max(acceptanceRatio, 0.01), 0.99)
	epsilonStar = epsilon * (math.Tan(s*acceptanceRatio) / math.Tan(s*acceptanceRatioStar))
	return
}
