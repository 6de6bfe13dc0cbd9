package pipeline

import (
	"context"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/reconciler"
)

// LocalDeployer reconciles the machine the pipeline itself runs on.
type LocalDeployer struct {
	Reconciler *reconciler.Reconciler
}

func (l *LocalDeployer) Deploy(ctx context.Context, desired *api.DesiredState) (*api.ReconcileReport, error) {
	return l.Reconciler.Reconcile(ctx, desired)
}
