package http

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/GriffinCanCode/l4core/internal/snapshot"
	"github.com/gin-gonic/gin"
)

// ContentTypeSnapshot is the media type of a compressed CBOR snapshot.
const ContentTypeSnapshot = "application/cbor"

// HeaderDigest carries the snapshot digest.
const HeaderDigest = "X-Snapshot-Digest"

// KernelStats returns object, memory and dispatch counters.
func (h *Handlers) KernelStats(c *gin.Context) {
	snap := h.kernel.Snapshot()
	cfg := h.kernel.Config()
	out := gin.H{
		"kernel": gin.H{
			"uptime_us":      snap.UptimeMicro,
			"live_objects":   snap.LiveObjects,
			"tasks":          len(snap.Tasks),
			"threads":        len(snap.Threads),
			"memory":         snap.Memory,
			"cap_table_size": cfg.CapTableSize,
		},
		"dispatch": h.runtime.Stats(),
		"names":    h.runtime.Namespace().Len(),
		"clients":  h.pool.Len(),
	}
	if h.metrics != nil {
		out["metrics"] = h.metrics.Snapshot()
	}
	render(c, http.StatusOK, out)
}

// Threads lists every live thread.
func (h *Handlers) Threads(c *gin.Context) {
	threads := h.kernel.Threads()
	render(c, http.StatusOK, gin.H{"threads": threads, "count": len(threads)})
}

// Snapshot exports the kernel state. ?format=cbor, or an Accept header
// naming ContentTypeSnapshot, selects the compressed CBOR encoding.
func (h *Handlers) Snapshot(c *gin.Context) {
	snap := h.kernel.Snapshot()
	digest, err := snapshot.Digest(snap)
	if err != nil {
		renderError(c, http.StatusInternalServerError, err)
		return
	}
	c.Header(HeaderDigest, digest)

	format := c.DefaultQuery("format", "")
	if format == "" && strings.Contains(c.GetHeader("Accept"), ContentTypeSnapshot) {
		format = "cbor"
	}
	switch format {
	case "", "json":
		render(c, http.StatusOK, snap)
	case "cbor":
		var buf bytes.Buffer
		if err := snapshot.Write(&buf, snap); err != nil {
			renderError(c, http.StatusInternalServerError, err)
			return
		}
		c.Header("Content-Encoding", "zstd")
		c.Header("Content-Disposition",
			fmt.Sprintf(`attachment; filename="snapshot-%s.cbor.zst"`, snap.TakenAt.Format("20060102T150405Z")))
		c.Data(http.StatusOK, ContentTypeSnapshot, buf.Bytes())
	default:
		renderError(c, http.StatusBadRequest, fmt.Errorf("unknown format %q", format))
	}
}

// Names lists the name space.
func (h *Handlers) Names(c *gin.Context) {
	entries := h.runtime.Namespace().List()
	render(c, http.StatusOK, gin.H{"names": entries, "count": len(entries)})
}

// Services lists the booted services with their operations.
func (h *Handlers) Services(c *gin.Context) {
	type service struct {
		Name   string `json:"name"`
		Kind   string `json:"kind"`
		Rights string `json:"rights"`
		Def    any    `json:"definition"`
	}
	running := h.runtime.Services()
	out := make([]service, 0, len(running))
	for _, r := range running {
		out = append(out, service{
			Name:   r.Name,
			Kind:   r.Kind,
			Rights: r.GateRights().String(),
			Def:    r.Provider.Definition(),
		})
	}
	render(c, http.StatusOK, gin.H{"services": out, "count": len(out)})
}
