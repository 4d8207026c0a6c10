package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"classpage-auth/internal/model"
)

// PageRepository stores class pages and the admin binding in both
// directions: page_admins answers "is this user an admin of this page",
// admin_pages answers "which pages does this admin manage".
type PageRepository struct {
	client *ScyllaClient
}

func NewPageRepository(client *ScyllaClient) *PageRepository {
	return &PageRepository{client: client}
}

func (r *PageRepository) Create(ctx context.Context, page *model.Page) error {
	pageID, err := gocql.ParseUUID(page.PageID)
	if err != nil {
		return fmt.Errorf("invalid page id: %w", err)
	}

	err = r.client.Prepared.CreatePage.Bind(pageID, page.SchoolName, page.CreatedAt).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to create page: %w", err)
	}
	return nil
}

func (r *PageRepository) GetByID(ctx context.Context, pageID string) (*model.Page, error) {
	id, err := gocql.ParseUUID(pageID)
	if err != nil {
		return nil, fmt.Errorf("invalid page id: %w", err)
	}

	var page model.Page
	var gotID gocql.UUID
	err = r.client.Prepared.GetPage.Bind(id).WithContext(ctx).Scan(
		&gotID, &page.SchoolName, &page.CreatedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}

	page.PageID = gotID.String()
	return &page, nil
}

func (r *PageRepository) BindAdmin(ctx context.Context, pageID, userID string, at time.Time) error {
	pid, err := gocql.ParseUUID(pageID)
	if err != nil {
		return fmt.Errorf("invalid page id: %w", err)
	}
	uid, err := gocql.ParseUUID(userID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}

	if err := r.client.Prepared.BindPageAdmin.Bind(pid, uid, at).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to bind page admin: %w", err)
	}
	if err := r.client.Prepared.BindAdminPage.Bind(uid, pid, at).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to bind admin page: %w", err)
	}
	return nil
}

func (r *PageRepository) IsAdmin(ctx context.Context, pageID, userID string) (bool, error) {
	pid, err := gocql.ParseUUID(pageID)
	if err != nil {
		return false, fmt.Errorf("invalid page id: %w", err)
	}
	uid, err := gocql.ParseUUID(userID)
	if err != nil {
		return false, fmt.Errorf("invalid user id: %w", err)
	}

	var gotID gocql.UUID
	err = r.client.Prepared.GetPageAdmin.Bind(pid, uid).WithContext(ctx).Scan(&gotID)
	if err == gocql.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check page admin: %w", err)
	}
	return true, nil
}

func (r *PageRepository) PagesForAdmin(ctx context.Context, userID string) ([]string, error) {
	uid, err := gocql.ParseUUID(userID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}

	iter := r.client.Prepared.ListAdminPages.Bind(uid).WithContext(ctx).Iter()

	var pages []string
	var pid gocql.UUID
	for iter.Scan(&pid) {
		pages = append(pages, pid.String())
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list admin pages: %w", err)
	}
	return pages, nil
}
