package postgres

import (
	"context"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/repository"
)

// tableResolver loads owners of one kind from the marketplace table that holds them.
type tableResolver struct {
	db    DBTX
	kind  domain.OwnerKind
	query string
}

func NewSoleTutorResolver(db DBTX) repository.OwnerResolver {
	return &tableResolver{
		db:    db,
		kind:  domain.OwnerSoleTutor,
		query: `SELECT full_name, email, is_active FROM tutors WHERE id = $1`,
	}
}

func NewOrganizationResolver(db DBTX) repository.OwnerResolver {
	return &tableResolver{
		db:    db,
		kind:  domain.OwnerOrganization,
		query: `SELECT name, contact_email, is_active FROM organizations WHERE id = $1`,
	}
}

func NewStudentResolver(db DBTX) repository.OwnerResolver {
	return &tableResolver{
		db:    db,
		kind:  domain.OwnerStudent,
		query: `SELECT full_name, email, is_active FROM students WHERE id = $1`,
	}
}

func (r *tableResolver) Resolve(ctx context.Context, id int64) (*domain.OwnerProfile, error) {
	logger.EnterMethod("tableResolver.Resolve", "kind", r.kind, "ownerID", id)

	profile := &domain.OwnerProfile{Owner: domain.WalletOwnerRef{Kind: r.kind, ID: id}}
	err := r.db.QueryRowContext(ctx, r.query, id).Scan(&profile.DisplayName, &profile.Email, &profile.Active)
	if err != nil {
		err = mapError(err)
		logger.ExitMethodWithError("tableResolver.Resolve", err, "kind", r.kind, "ownerID", id)
		return nil, err
	}

	logger.ExitMethod("tableResolver.Resolve", "kind", r.kind, "ownerID", id)
	return profile, nil
}
