package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"grammargate/internal/shared/observability"
	"grammargate/internal/shared/util"
)

type HealthService struct {
	svc *Service
}

func NewHealthService(svc *Service) *HealthService {
	return &HealthService{svc: svc}
}

func (h *HealthService) Check(ctx context.Context) observability.HealthReport {
	report := observability.HealthReport{
		Status:    "up",
		Languages: h.svc.registry.Len(),
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]string),
	}
	cfg := h.svc.Config()

	// Registry
	if report.Languages == 0 {
		report.Status = "degraded"
		report.Checks["registry"] = "empty"
	} else {
		report.Checks["registry"] = fmt.Sprintf("ok (%d languages)", report.Languages)
	}

	for _, language := range cfg.Verification.Required {
		if _, ok := h.svc.registry.Get(language); !ok {
			report.Status = "degraded"
			report.Checks["required:"+language] = "missing"
		}
	}

	// Audit store
	switch {
	case h.svc.audit != nil:
		if _, err := h.svc.audit.Counts(ctx); err != nil {
			report.Status = "degraded"
			report.Checks["audit"] = "error: " + err.Error()
		} else {
			report.Checks["audit"] = "ok"
		}
	case cfg.Audit.Enabled:
		report.Status = "degraded"
		report.Checks["audit"] = "missing but enabled in config"
	}

	if info, err := os.Stat(cfg.GrammarsPath); err != nil || !info.IsDir() {
		report.Checks["grammars_path"] = "unavailable"
	} else {
		report.Checks["grammars_path"] = "ok"
	}

	leased, oldest := h.svc.poolStats()
	report.Checks["parser_pools"] = fmt.Sprintf("%d leased, oldest %s", leased, oldest.Round(time.Millisecond))

	report.Checks["heap_mb"] = fmt.Sprintf("%d", util.HeapAllocMB())
	return report
}

// Health reports registry and audit status.
func (s *Service) Health(ctx context.Context) observability.HealthReport {
	return NewHealthService(s).Check(ctx)
}
