// Package record defines the per-burst measurement record and its
// line-delimited JSON log format.
package record

import (
	"sort"

	"github.com/rs/xid"
)

// IfaceClass is the coarse classification of the interface a burst left on.
type IfaceClass string

const (
	IfaceWifi     IfaceClass = "wifi"
	IfaceEthernet IfaceClass = "ethernet"
	IfaceCellular IfaceClass = "cellular"
	IfaceLoopback IfaceClass = "loopback"
	IfaceOther    IfaceClass = "other"
)

// BurstRecord is one endpoint's summary for one probe burst. One record is
// appended to the log per endpoint per interval.
//
// If SamplesMs is empty the burst lost every probe and MinMs, P05Ms and
// MedianMs are nil; otherwise min <= p05 <= median holds.
type BurstRecord struct {
	ID          string `json:"id"`
	TimestampMs int64  `json:"timestampMs"`
	Endpoint    string `json:"endpoint"`
	Path        string `json:"path,omitempty"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	RegionHint  string `json:"regionHint,omitempty"`

	SamplesMs []float64 `json:"samplesMs"`
	MinMs     *float64  `json:"minMs,omitempty"`
	P05Ms     *float64  `json:"p05Ms,omitempty"`
	MedianMs  *float64  `json:"medianMs,omitempty"`

	Iface         IfaceClass `json:"iface"`
	TunnelPresent bool       `json:"tunnelPresent"`
	TunnelActive  bool       `json:"tunnelActive"`
	TunnelIfaces  []string   `json:"tunnelIfaces,omitempty"`
	LocalAddr     string     `json:"localAddr,omitempty"`
	DestLoopback  bool       `json:"destLoopback"`

	ClaimedEgressRegion string   `json:"claimedEgressRegion,omitempty"`
	Notes               []string `json:"notes,omitempty"`
}

// NewID returns a fresh record id.
func NewID() string {
	return xid.New().String()
}

// Summarize fills the record's summary quantiles from SamplesMs. Records with
// no samples keep nil summaries, marking total loss for the burst.
func (r *BurstRecord) Summarize() {
	min, p05, med, ok := Summarize(r.SamplesMs)
	if !ok {
		r.MinMs, r.P05Ms, r.MedianMs = nil, nil, nil
		return
	}
	r.MinMs, r.P05Ms, r.MedianMs = &min, &p05, &med
}

// Summarize computes the burst summary quantiles over samples. ok is false
// when samples is empty, in which case the summary values are meaningless.
func Summarize(samples []float64) (min, p05, median float64, ok bool) {
	n := len(samples)
	if n == 0 {
		return 0, 0, 0, false
	}
	s := SortedCopy(samples)
	min = s[0]
	p05 = s[int(0.05*float64(n-1))]
	median = s[n/2] // upper median for even n
	return min, p05, median, true
}

// P95 returns the 95th percentile of samples, defined as the element at index
// ceil(0.95*(n-1)) of the sorted vector. ok is false when samples is empty.
func P95(samples []float64) (float64, bool) {
	n := len(samples)
	if n == 0 {
		return 0, false
	}
	s := SortedCopy(samples)
	i := int(0.95 * float64(n-1))
	if float64(i) < 0.95*float64(n-1) {
		i++
	}
	return s[i], true
}

// SortedCopy returns an ascending copy of samples.
func SortedCopy(samples []float64) []float64 {
	s := make([]float64, len(samples))
	copy(s, samples)
	sort.Float64s(s)
	return s
}
