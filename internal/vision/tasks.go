package vision

import (
	"fmt"
	"time"

	"github.com/coralnet/visionbackend/internal/jobs"
)

// Register adds the vision tasks to the registry.
func (s *Service) Register(r *jobs.Registry) error {
	collectEvery := s.cfg.CollectInterval
	if collectEvery <= 0 {
		collectEvery = time.Minute
	}
	tasks := []jobs.Task{
		{Name: JobCheckSource, Kind: jobs.KindRunner, Run: s.CheckSource},
		{Name: JobCheckAllSources, Kind: jobs.KindRunner, Run: s.CheckAllSources,
			Interval: 24 * time.Hour, Offset: 7 * time.Hour},
		{Name: JobExtractFeatures, Kind: jobs.KindStarter, Run: s.SubmitFeatures},
		{Name: JobTrainClassifier, Kind: jobs.KindStarter, Run: s.SubmitClassifier, Persist: true,
			OnAbandon: s.trainingAbandoned},
		{Name: JobClassifyFeatures, Kind: jobs.KindStarter, Run: s.SubmitClassify},
		{Name: JobClassifyImage, Kind: jobs.KindStarter, Run: s.SubmitDeploy},
		{Name: JobCollectSpacerJobs, Kind: jobs.KindRunner, Run: s.CollectSpacerJobs, Interval: collectEvery},
		{Name: JobResetClassifiersForSource, Kind: jobs.KindRunner, Run: s.ResetClassifiers, Persist: true},
		{Name: JobResetBackendForSource, Kind: jobs.KindRunner, Run: s.ResetBackend, Persist: true},
	}
	for _, t := range tasks {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return nil
}
