// Package pipeline implements the demand-driven update protocol: output
// information flows downstream, requested regions flow upstream, pixel data
// is pulled and only recomputed when stale or not yet buffered.
package pipeline

import (
	"context"

	"rasterstream/pkg/buffer"
	"rasterstream/pkg/errdefs"
	"rasterstream/pkg/region"
)

// DataObject is the output of a ProcessObject. It tracks three regions:
// the largest possible one, the one requested by its consumers (always
// inside the former) and the one currently held in its buffer.
type DataObject struct {
	source *ProcessObject

	info      Information
	infoValid bool

	wanted         region.Region
	hasRequest     bool
	requestLargest bool
	requested      region.Region
	buffered       region.Region
	buf            *buffer.Buffer

	informationTime uint64
	dataTime        uint64
	pipelineMTime   uint64
}

// Source is the ProcessObject producing this data.
func (d *DataObject) Source() *ProcessObject { return d.source }

// Information is the last generated output information.
func (d *DataObject) Information() Information { return d.info }

// LargestPossibleRegion is valid once UpdateOutputInformation has run.
func (d *DataObject) LargestPossibleRegion() region.Region { return d.info.LargestPossibleRegion }

// NumberOfBands is valid once UpdateOutputInformation has run.
func (d *DataObject) NumberOfBands() int { return d.info.NumberOfBands }

// RequestedRegion is the current request clipped to the largest possible region.
func (d *DataObject) RequestedRegion() region.Region { return d.requested }

// BufferedRegion is the region whose pixels are valid in Buffer.
func (d *DataObject) BufferedRegion() region.Region { return d.buffered }

// Buffer exposes the pixels. Only BufferedRegion holds valid data.
func (d *DataObject) Buffer() buffer.ReadOnly {
	if d.buf == nil {
		return nil
	}
	return d.buf
}

// SetRequestedRegion asks for r on the next update. The stored request is r
// clipped to the largest possible region; when the information is not known
// yet the clipping happens in UpdateOutputInformation.
func (d *DataObject) SetRequestedRegion(r region.Region) {
	d.wanted = r
	d.hasRequest = true
	d.requestLargest = false
	d.resolveRequest()
}

// SetRequestedRegionToLargestPossibleRegion asks for the whole extent.
func (d *DataObject) SetRequestedRegionToLargestPossibleRegion() {
	d.hasRequest = true
	d.requestLargest = true
	d.resolveRequest()
}

func (d *DataObject) resolveRequest() {
	if !d.infoValid || !d.hasRequest {
		return
	}
	lpr := d.info.LargestPossibleRegion
	if d.requestLargest {
		d.wanted = lpr
	}
	if d.wanted.Dimension() != lpr.Dimension() {
		d.requested = region.Empty(lpr.Dimension())
		return
	}
	d.requested = d.wanted.Intersect(lpr)
}

// UpdateOutputInformation brings the information of this object and of
// everything upstream up to date. Nodes whose inputs and parameters did not
// change since the last call keep their cached information.
func (d *DataObject) UpdateOutputInformation() error {
	if d.source == nil {
		return nil
	}
	return d.source.updateOutputInformation()
}

// PropagateRequestedRegion translates the current request into requests on
// every input, recursively. It fails with errdefs.ErrRegionUnavailable when
// a non-empty request does not overlap the largest possible region.
func (d *DataObject) PropagateRequestedRegion() error {
	if !d.infoValid {
		if err := d.UpdateOutputInformation(); err != nil {
			return err
		}
	}
	if !d.hasRequest {
		d.SetRequestedRegionToLargestPossibleRegion()
	}
	name := ""
	if d.source != nil {
		name = d.source.name
	}
	if dim := d.info.LargestPossibleRegion.Dimension(); d.wanted.Dimension() != dim {
		return errdefs.Configuration("region", "%s: requested %v has %d axes, image has %d", name, d.wanted, d.wanted.Dimension(), dim)
	}
	if !d.wanted.IsEmpty() && d.requested.IsEmpty() {
		return &errdefs.RegionUnavailableError{Node: name, Requested: d.wanted, Largest: d.info.LargestPossibleRegion}
	}
	if d.source == nil {
		return nil
	}
	return d.source.propagateRequestedRegion()
}

// UpdateOutputData makes sure BufferedRegion covers RequestedRegion with up
// to date pixels, recomputing upstream as needed.
func (d *DataObject) UpdateOutputData(ctx context.Context) error {
	if d.source == nil {
		return nil
	}
	return d.source.updateOutputData(ctx)
}

// Update runs the three phases. Without a prior request the whole extent is
// requested.
func (d *DataObject) Update(ctx context.Context) error {
	if err := d.UpdateOutputInformation(); err != nil {
		return err
	}
	if !d.hasRequest {
		d.SetRequestedRegionToLargestPossibleRegion()
	}
	if err := d.PropagateRequestedRegion(); err != nil {
		if d.source != nil {
			d.source.setState(Idle)
		}
		return err
	}
	return d.UpdateOutputData(ctx)
}

// HoldsCurrent reports whether the buffer already holds r with pixels newer
// than every upstream change known since the last information update.
func (d *DataObject) HoldsCurrent(r region.Region) bool {
	if !d.infoValid || d.buf == nil || d.dataTime < d.pipelineMTime {
		return false
	}
	return d.buffered.Dimension() == r.Dimension() && d.buffered.Contains(r)
}

// upToDate reports whether the buffer holds the request with pixels newer
// than every upstream change.
func (d *DataObject) upToDate() bool {
	if d.dataTime < d.pipelineMTime {
		return false
	}
	if d.requested.IsEmpty() {
		return true
	}
	if d.buf == nil || d.buffered.Dimension() != d.requested.Dimension() {
		return false
	}
	return d.buffered.Contains(d.requested)
}
