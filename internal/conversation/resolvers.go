package conversation

import (
	"context"
	"errors"

	"github.com/4xmen/hamdam/internal/api"
	"github.com/4xmen/hamdam/internal/models"
)

type TherapistSource interface {
	GetTherapistInCharge(ctx context.Context) (*models.User, error)
}

type PatientSource interface {
	GetPatient(ctx context.Context, id int) (*models.User, error)
}

// TherapistResolver resolves the patient's assigned therapist.
func TherapistResolver(src TherapistSource) Resolver {
	return func(ctx context.Context) (*models.User, error) {
		return notFound(src.GetTherapistInCharge(ctx))
	}
}

// PatientResolver resolves one of the therapist's patients by id.
func PatientResolver(src PatientSource, id int) Resolver {
	return func(ctx context.Context) (*models.User, error) {
		return notFound(src.GetPatient(ctx, id))
	}
}

func notFound(user *models.User, err error) (*models.User, error) {
	if errors.Is(err, api.ErrNotFound) {
		return nil, ErrNoCounterparty
	}
	return user, err
}
