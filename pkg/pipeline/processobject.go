package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"rasterstream/internal/logging"
	"rasterstream/pkg/buffer"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/executor"
	"rasterstream/pkg/region"
	"rasterstream/pkg/streaming"
)

// State is the position of a ProcessObject in its update cycle.
type State int32

const (
	Idle State = iota
	InformationStale
	InformationValid
	RegionsPropagated
	Executing
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case InformationStale:
		return "InformationStale"
	case InformationValid:
		return "InformationValid"
	case RegionsPropagated:
		return "RegionsPropagated"
	case Executing:
		return "Executing"
	case Done:
		return "Done"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ProcessObject is a node of the pipeline: a filter, its inputs and the
// output it owns.
type ProcessObject struct {
	name   string
	filter Filter
	inputs []*DataObject
	output *DataObject

	exec *executor.Executor
	log  logrus.FieldLogger

	mtime    atomic.Uint64
	state    atomic.Int32
	visiting bool
}

// Option configures a ProcessObject.
type Option func(*ProcessObject)

// WithExecutor sets the pool running ThreadedGenerateData.
func WithExecutor(e *executor.Executor) Option {
	return func(p *ProcessObject) { p.exec = e }
}

// WithLogger sets the logger; entries carry the node name.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *ProcessObject) { p.log = l }
}

// NewProcessObject wraps filter into a pipeline node. Without WithExecutor
// the node uses one worker per CPU.
func NewProcessObject(name string, filter Filter, opts ...Option) *ProcessObject {
	p := &ProcessObject{name: name, filter: filter, log: logging.Discard()}
	for _, opt := range opts {
		opt(p)
	}
	if p.exec == nil {
		p.exec = executor.Default()
	}
	p.log = p.log.WithField("node", name)
	p.output = &DataObject{source: p}
	p.Modified()
	return p
}

// Name identifies the node in logs and errors.
func (p *ProcessObject) Name() string { return p.name }

// Filter is the wrapped algorithm.
func (p *ProcessObject) Filter() Filter { return p.filter }

// Output is the DataObject this node produces.
func (p *ProcessObject) Output() *DataObject { return p.output }

// NumberOfInputs is the number of input slots.
func (p *ProcessObject) NumberOfInputs() int { return len(p.inputs) }

// Input returns input slot i, or nil.
func (p *ProcessObject) Input(i int) *DataObject {
	if i < 0 || i >= len(p.inputs) {
		return nil
	}
	return p.inputs[i]
}

// SetInput connects in to slot i, growing the slot list as needed.
func (p *ProcessObject) SetInput(i int, in *DataObject) error {
	if i < 0 {
		return errdefs.Configuration("input", "negative slot %d", i)
	}
	if in != nil && in.source == p {
		return errdefs.Configuration("input", "%s cannot consume its own output", p.name)
	}
	for len(p.inputs) <= i {
		p.inputs = append(p.inputs, nil)
	}
	p.inputs[i] = in
	p.Modified()
	return nil
}

// Modified marks the node as changed so the next update recomputes it.
func (p *ProcessObject) Modified() { p.mtime.Store(tick()) }

// MTime is the latest of the node's and the filter's modification times.
func (p *ProcessObject) MTime() uint64 {
	mt := p.mtime.Load()
	if m, ok := p.filter.(ModificationTimer); ok {
		mt = max(mt, m.MTime())
	}
	return mt
}

// State is the current update state.
func (p *ProcessObject) State() State { return State(p.state.Load()) }

func (p *ProcessObject) setState(s State) { p.state.Store(int32(s)) }

// NumberOfThreads is the executor size.
func (p *ProcessObject) NumberOfThreads() int { return p.exec.Workers() }

// Update brings the output up to date for its current request.
func (p *ProcessObject) Update(ctx context.Context) error { return p.output.Update(ctx) }

// RequiresFullInput reports whether the filter needs its whole input.
func (p *ProcessObject) RequiresFullInput() bool {
	f, ok := p.filter.(FullInputRequirer)
	return ok && f.RequiresFullInput()
}

// DefeatsStreaming reports whether this node or any node upstream requires
// its full input, in which case streaming downstream still computes the
// whole extent upstream of that node.
func (p *ProcessObject) DefeatsStreaming() bool {
	if p.RequiresFullInput() {
		return true
	}
	for _, in := range p.inputs {
		if in != nil && in.source != nil && in.source.DefeatsStreaming() {
			return true
		}
	}
	return false
}

func (p *ProcessObject) inputInformation() []Information {
	infos := make([]Information, len(p.inputs))
	for i, in := range p.inputs {
		infos[i] = in.info
	}
	return infos
}

func (p *ProcessObject) updateOutputInformation() error {
	if p.visiting {
		return errdefs.Configuration("pipeline", "cycle through %s", p.name)
	}
	p.visiting = true
	defer func() { p.visiting = false }()
	p.setState(InformationStale)

	mt := p.MTime()
	for i, in := range p.inputs {
		if in == nil {
			p.setState(Idle)
			return errdefs.Configuration("input", "%s: input %d not set", p.name, i)
		}
		if err := in.UpdateOutputInformation(); err != nil {
			p.setState(Idle)
			return err
		}
		mt = max(mt, in.pipelineMTime)
	}

	out := p.output
	out.pipelineMTime = mt
	if out.infoValid && out.informationTime >= mt {
		p.setState(InformationValid)
		return nil
	}

	info, err := p.filter.GenerateOutputInformation(p.inputInformation())
	if err != nil {
		p.setState(Idle)
		return fmt.Errorf("%s: generate output information: %w", p.name, err)
	}
	if info.NumberOfBands <= 0 {
		p.setState(Idle)
		return errdefs.Configuration("bands", "%s produced %d bands", p.name, info.NumberOfBands)
	}
	out.info = info
	out.infoValid = true
	out.informationTime = tick()
	if out.buffered.Dimension() != info.LargestPossibleRegion.Dimension() {
		out.buffered = region.Empty(info.LargestPossibleRegion.Dimension())
	}
	out.resolveRequest()
	p.log.WithFields(logrus.Fields{
		"largest": info.LargestPossibleRegion,
		"bands":   info.NumberOfBands,
	}).Debug("output information generated")
	p.setState(InformationValid)
	return nil
}

func (p *ProcessObject) propagateRequestedRegion() (err error) {
	out := p.output
	defer func() {
		if err != nil {
			p.setState(Idle)
			return
		}
		p.setState(RegionsPropagated)
	}()
	if len(p.inputs) == 0 || out.upToDate() {
		return nil
	}

	infos := p.inputInformation()
	var reqs []region.Region
	if p.RequiresFullInput() {
		reqs = make([]region.Region, len(infos))
		for i, info := range infos {
			reqs[i] = info.LargestPossibleRegion
		}
	} else {
		reqs, err = p.filter.GenerateInputRequestedRegion(out.requested, infos)
		if err != nil {
			return fmt.Errorf("%s: generate input requested region: %w", p.name, err)
		}
		if len(reqs) != len(p.inputs) {
			return errdefs.Configuration("filter", "%s returned %d input regions for %d inputs", p.name, len(reqs), len(p.inputs))
		}
	}

	for i, in := range p.inputs {
		in.SetRequestedRegion(reqs[i])
		p.log.WithFields(logrus.Fields{
			"input":     i,
			"requested": in.requested,
		}).Debug("input region requested")
		if err := in.PropagateRequestedRegion(); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProcessObject) updateOutputData(ctx context.Context) error {
	out := p.output
	if out.upToDate() {
		p.log.WithField("requested", out.requested).Debug("output up to date")
		p.setState(Done)
		return nil
	}
	for _, in := range p.inputs {
		if err := in.UpdateOutputData(ctx); err != nil {
			p.setState(Idle)
			return err
		}
	}

	p.setState(Executing)
	if err := p.generateData(ctx); err != nil {
		out.buffered = region.Empty(out.info.LargestPossibleRegion.Dimension())
		out.dataTime = 0
		p.setState(Idle)
		return err
	}
	p.setState(Done)
	return nil
}

func (p *ProcessObject) generateData(ctx context.Context) error {
	out := p.output
	req := out.requested
	bands := out.info.NumberOfBands

	if out.buf == nil || out.buf.Bands() != bands {
		b, err := buffer.New(bands)
		if err != nil {
			return err
		}
		out.buf = b
	}

	accumulate := false
	if a, ok := p.filter.(Accumulator); ok && a.AccumulatesOutput() {
		accumulate = true
	}
	target := req
	if accumulate {
		if out.buf.Allocate(out.info.LargestPossibleRegion) || out.dataTime < out.pipelineMTime {
			out.buffered = region.Empty(req.Dimension())
		}
		if box, exact := out.buffered.Union(req); exact {
			target = box
		}
	} else {
		out.buf.Allocate(req)
	}

	inputs := make([]buffer.ReadOnly, len(p.inputs))
	for i, in := range p.inputs {
		if in.buf != nil {
			inputs[i] = in.buf
		}
	}
	infos := p.inputInformation()

	if it, ok := p.filter.(InputTimer); ok {
		var t uint64
		for _, in := range p.inputs {
			t = max(t, in.dataTime)
		}
		it.SetInputDataTime(t)
	}

	pieces := streaming.SplitByDivisions(req, p.exec.Workers())
	hooks, hasHooks := p.filter.(ThreadHooks)
	if hasHooks {
		if err := hooks.BeforeThreadedGenerateData(p.exec.Workers(), inputs); err != nil {
			return fmt.Errorf("%s: before threaded generate data: %w", p.name, err)
		}
	}

	err := p.exec.Run(ctx, pieces, func(ctx context.Context, tile region.Region, threadID int) error {
		return p.filter.ThreadedGenerateData(ctx, Job{
			Tile:        tile,
			ThreadID:    threadID,
			Inputs:      inputs,
			InputInfo:   infos,
			Output:      out.buf,
			OutputBands: bands,
		})
	})
	if err != nil {
		var cf *errdefs.ComputationFailure
		if errors.As(err, &cf) {
			cf.Node = p.name
		}
		p.log.WithError(err).Warn("threaded generate data failed")
		return err
	}
	if hasHooks {
		if err := hooks.AfterThreadedGenerateData(); err != nil {
			return fmt.Errorf("%s: after threaded generate data: %w", p.name, err)
		}
	}

	out.buffered = target
	out.dataTime = tick()
	p.log.WithFields(logrus.Fields{
		"region":   req,
		"pieces":   len(pieces),
		"buffered": target,
	}).Debug("data generated")
	return nil
}

// UpstreamPersistent lists the nodes feeding d, d's producer included,
// whose filter is Persistent. Each node appears once, upstream first.
func UpstreamPersistent(d *DataObject) []*ProcessObject {
	var out []*ProcessObject
	seen := map[*ProcessObject]bool{}
	var walk func(*DataObject)
	walk = func(d *DataObject) {
		if d == nil || d.source == nil || seen[d.source] {
			return
		}
		seen[d.source] = true
		for _, in := range d.source.inputs {
			walk(in)
		}
		if _, ok := d.source.filter.(Persistent); ok {
			out = append(out, d.source)
		}
	}
	walk(d)
	return out
}

// ResetPersistent resets every Persistent filter upstream of d and marks its
// node modified so the next pass feeds it every piece again.
func ResetPersistent(d *DataObject) []*ProcessObject {
	nodes := UpstreamPersistent(d)
	for _, p := range nodes {
		p.filter.(Persistent).Reset()
		p.Modified()
	}
	return nodes
}

// SynthesizePersistent finalizes the given Persistent nodes. Every node is
// synthesized even when an earlier one fails.
func SynthesizePersistent(nodes []*ProcessObject) error {
	var errs error
	for _, p := range nodes {
		if err := p.filter.(Persistent).Synthesize(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: synthesize: %w", p.name, err))
		}
	}
	return errs
}
