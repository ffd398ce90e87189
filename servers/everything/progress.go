package everything

import "log/slog"

// Progress reports how far a longRunningOperation call has come.
type Progress struct {
	Tool     string
	Progress int
	Total    int
}

// ProgressReports returns the channel progress updates are published on. Updates are dropped when
// nobody keeps up with the channel; the everything command logs them.
func (s *Server) ProgressReports() <-chan Progress {
	return s.progress
}

func (s *Server) reportProgress(p Progress) {
	select {
	case s.progress <- p:
	default:
		s.logger.Debug("dropping progress report", slog.String("tool", p.Tool), slog.Int("progress", p.Progress))
	}
}
