package cli

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	coreapp "grammargate/internal/core/app"
)

func snapshot(ctx context.Context, svc *coreapp.Service, report coreapp.DirectoryReport, err error) snapshotMsg {
	msg := snapshotMsg{entries: svc.Registry().List(), report: report, err: err}
	if svc.AuditStore() != nil {
		attempts, aerr := svc.RecentAttempts(ctx, "", 50)
		if aerr == nil {
			msg.attempts = attempts
		}
	}
	return msg
}

func (s *session) runUI(ctx context.Context, args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(s.stderr, "Usage: grammargate ui")
		return 2
	}
	ctx, cancel := context.WithCancel(ctx)
	svc, report, ok := s.bootstrap(ctx)
	if !ok {
		cancel()
		return 1
	}
	defer svc.Close()
	defer cancel()

	reload := func() tea.Msg {
		r, err := svc.LoadDirectory(ctx)
		return snapshot(ctx, svc, r, err)
	}
	p := tea.NewProgram(initialModel(reload), tea.WithAltScreen(), tea.WithContext(ctx))

	onReport := func(r coreapp.DirectoryReport, err error) { p.Send(snapshot(ctx, svc, r, err)) }
	defer s.watchConfig(ctx, svc, onReport)()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Send(snapshot(ctx, svc, report, nil))
		if err := svc.Watch(ctx, onReport); err != nil {
			p.Send(snapshot(ctx, svc, coreapp.DirectoryReport{}, err))
		}
	}()

	_, err := p.Run()
	interrupted := ctx.Err() != nil
	cancel()
	<-done
	if err != nil && !interrupted {
		fmt.Fprintf(s.stderr, "UI failed: %v\n", err)
		return 1
	}
	return 0
}
