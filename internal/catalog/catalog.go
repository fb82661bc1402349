// Package catalog implements the permission catalog: role and permission
// definitions loaded from the document store, with per-user assignment
// caching and condition-constrained permission checks.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carewell/compliance-core/pkg/compliance"
	"github.com/carewell/compliance-core/pkg/docstore"
	"github.com/carewell/compliance-core/pkg/logger"
)

// Catalog answers "does role R grant permission P" questions for users.
// Role and permission definitions live in memory after bootstrap; user role
// assignments are cached per user with no TTL and invalidated explicitly
// whenever an assignment changes.
type Catalog struct {
	store  docstore.Store
	audit  compliance.AuditSink
	logger *logger.Logger

	mu          sync.RWMutex
	roles       map[string]*compliance.Role
	permissions map[string]*compliance.Permission

	assignMu    sync.RWMutex
	assignments map[string][]compliance.UserRoleAssignment
}

// New creates a permission catalog backed by the given document store
func New(store docstore.Store, audit compliance.AuditSink, log *logger.Logger) *Catalog {
	return &Catalog{
		store:       store,
		audit:       audit,
		logger:      log,
		roles:       make(map[string]*compliance.Role),
		permissions: make(map[string]*compliance.Permission),
		assignments: make(map[string][]compliance.UserRoleAssignment),
	}
}

// LoadOrBootstrap seeds the built-in role and permission catalog into the
// document store when both collections are empty, then loads everything
// into memory. Seeding is idempotent: an existing non-empty catalog is
// never overwritten.
func (c *Catalog) LoadOrBootstrap(ctx context.Context) error {
	existingRoles, err := c.store.Query(ctx, compliance.CollectionRoles, docstore.Query{Limit: 1})
	if err != nil {
		return compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to inspect role catalog",
			err,
		)
	}

	existingPerms, err := c.store.Query(ctx, compliance.CollectionPermissions, docstore.Query{Limit: 1})
	if err != nil {
		return compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to inspect permission catalog",
			err,
		)
	}

	if len(existingRoles) == 0 && len(existingPerms) == 0 {
		if err := c.seedBuiltins(ctx); err != nil {
			return err
		}
		c.logger.WithComponent("catalog").Info("Bootstrapped built-in role catalog")
	}

	return c.load(ctx)
}

func (c *Catalog) seedBuiltins(ctx context.Context) error {
	now := time.Now().UTC()

	permDocs := make(map[string]docstore.Document)
	for _, perm := range builtinPermissions() {
		doc, err := docstore.Marshal(perm)
		if err != nil {
			return fmt.Errorf("failed to encode permission %s: %w", perm.ID, err)
		}
		permDocs[perm.ID] = doc
	}
	if err := c.store.PutBatch(ctx, compliance.CollectionPermissions, permDocs); err != nil {
		return fmt.Errorf("failed to seed permissions: %w", err)
	}

	roleDocs := make(map[string]docstore.Document)
	for roleID, permIDs := range compliance.BuiltinRolePermissions {
		role := &compliance.Role{
			ID:          roleID,
			Name:        roleID,
			Permissions: permIDs,
			Priority:    compliance.RolePriorities[roleID],
			IsActive:    true,
			CreatedAt:   now,
		}
		doc, err := docstore.Marshal(role)
		if err != nil {
			return fmt.Errorf("failed to encode role %s: %w", roleID, err)
		}
		roleDocs[roleID] = doc
	}
	if err := c.store.PutBatch(ctx, compliance.CollectionRoles, roleDocs); err != nil {
		return fmt.Errorf("failed to seed roles: %w", err)
	}

	return nil
}

// load reads the full role and permission catalog into memory
func (c *Catalog) load(ctx context.Context) error {
	roleDocs, err := c.store.Query(ctx, compliance.CollectionRoles, docstore.Query{})
	if err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}

	permDocs, err := c.store.Query(ctx, compliance.CollectionPermissions, docstore.Query{})
	if err != nil {
		return fmt.Errorf("failed to load permissions: %w", err)
	}

	roles := make(map[string]*compliance.Role, len(roleDocs))
	for _, doc := range roleDocs {
		role := &compliance.Role{}
		if err := docstore.Unmarshal(doc, role); err != nil {
			return fmt.Errorf("failed to decode role: %w", err)
		}
		roles[role.ID] = role
	}

	permissions := make(map[string]*compliance.Permission, len(permDocs))
	for _, doc := range permDocs {
		perm := &compliance.Permission{}
		if err := docstore.Unmarshal(doc, perm); err != nil {
			return fmt.Errorf("failed to decode permission: %w", err)
		}
		permissions[perm.ID] = perm
	}

	c.mu.Lock()
	c.roles = roles
	c.permissions = permissions
	c.mu.Unlock()

	return nil
}

// HasPermission resolves the user's active role assignments, unions their
// permissions, and checks membership. A permission whose conditions are not
// satisfied by the request context is skipped for that grant; another role
// may still satisfy it.
func (c *Catalog) HasPermission(ctx context.Context, userID, permissionID string, reqCtx map[string]string) (bool, string, error) {
	assignments, err := c.userAssignments(ctx, userID)
	if err != nil {
		c.reportStoreFailure(ctx, userID, "resolve_role_assignments")
		return false, "", err
	}

	now := time.Now().UTC()
	active := assignments[:0:0]
	for _, a := range assignments {
		if a.IsActive && !a.Expired(now) {
			active = append(active, a)
		}
	}

	if len(active) == 0 {
		return false, "no roles assigned", nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, a := range active {
		role, ok := c.roles[a.RoleID]
		if !ok || !role.IsActive {
			continue
		}
		for _, permID := range role.Permissions {
			if permID != permissionID {
				continue
			}
			perm, ok := c.permissions[permID]
			if !ok || !perm.IsActive {
				continue
			}
			if !conditionsSatisfied(perm, reqCtx) {
				// This grant fails its conditions; keep looking, another
				// role may carry the permission unconditionally.
				continue
			}
			return true, fmt.Sprintf("granted via role %s", role.ID), nil
		}
	}

	return false, "permission not found in user roles", nil
}

// conditionsSatisfied checks every declared condition against the request
// context; a missing key fails the condition.
func conditionsSatisfied(perm *compliance.Permission, reqCtx map[string]string) bool {
	for key, cond := range perm.Conditions {
		value, ok := reqCtx[key]
		if !ok || !cond.Matches(value) {
			return false
		}
	}
	return true
}

// userAssignments returns the user's role assignments, read through the
// per-user cache.
func (c *Catalog) userAssignments(ctx context.Context, userID string) ([]compliance.UserRoleAssignment, error) {
	c.assignMu.RLock()
	cached, ok := c.assignments[userID]
	c.assignMu.RUnlock()
	if ok {
		return cached, nil
	}

	docs, err := c.store.Query(ctx, compliance.CollectionUserRoles, docstore.Query{
		Filters: []docstore.Filter{
			{Field: "user_id", Op: docstore.OpEq, Value: userID},
		},
	})
	if err != nil {
		return nil, compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to load role assignments",
			err,
		).WithContext(userID, "")
	}

	assignments := make([]compliance.UserRoleAssignment, 0, len(docs))
	for _, doc := range docs {
		var a compliance.UserRoleAssignment
		if err := docstore.Unmarshal(doc, &a); err != nil {
			return nil, fmt.Errorf("failed to decode role assignment: %w", err)
		}
		assignments = append(assignments, a)
	}

	c.assignMu.Lock()
	c.assignments[userID] = assignments
	c.assignMu.Unlock()

	return assignments, nil
}

// AssignRole grants a role to a user and invalidates the user's cache entry
func (c *Catalog) AssignRole(ctx context.Context, userID, roleID, assignedBy string) error {
	c.mu.RLock()
	role, ok := c.roles[roleID]
	c.mu.RUnlock()
	if !ok || !role.IsActive {
		return compliance.ErrInvalidRole
	}

	assignment := &compliance.UserRoleAssignment{
		ID:         fmt.Sprintf("%s_%s", userID, roleID),
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: time.Now().UTC(),
		IsActive:   true,
	}

	doc, err := docstore.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("failed to encode role assignment: %w", err)
	}

	if err := c.store.Put(ctx, compliance.CollectionUserRoles, assignment.ID, doc); err != nil {
		c.reportStoreFailure(ctx, userID, "assign_role")
		return compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to persist role assignment",
			err,
		).WithContext(userID, roleID)
	}

	c.invalidateUser(userID)

	c.logger.WithComponent("catalog").WithFields(map[string]interface{}{
		"user_id":     userID,
		"role_id":     roleID,
		"assigned_by": assignedBy,
	}).Info("Role assigned")

	return nil
}

// RemoveRole revokes a role from a user and invalidates the user's cache entry
func (c *Catalog) RemoveRole(ctx context.Context, userID, roleID string) error {
	c.mu.RLock()
	_, ok := c.roles[roleID]
	c.mu.RUnlock()
	if !ok {
		return compliance.ErrInvalidRole
	}

	assignmentID := fmt.Sprintf("%s_%s", userID, roleID)
	if err := c.store.Delete(ctx, compliance.CollectionUserRoles, assignmentID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return compliance.NewError(
				compliance.ErrorTypeNotFound,
				compliance.ErrorCodeNotFound,
				"role assignment does not exist",
			).WithContext(userID, roleID)
		}
		c.reportStoreFailure(ctx, userID, "remove_role")
		return compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to remove role assignment",
			err,
		).WithContext(userID, roleID)
	}

	c.invalidateUser(userID)

	c.logger.WithComponent("catalog").WithFields(map[string]interface{}{
		"user_id": userID,
		"role_id": roleID,
	}).Info("Role removed")

	return nil
}

// CreateRole registers a custom role at runtime
func (c *Catalog) CreateRole(ctx context.Context, role *compliance.Role) error {
	if role.ID == "" {
		role.ID = uuid.New().String()
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now().UTC()
	}
	role.IsActive = true

	c.mu.RLock()
	for _, permID := range role.Permissions {
		if _, ok := c.permissions[permID]; !ok {
			c.mu.RUnlock()
			return compliance.NewError(
				compliance.ErrorTypeNotFound,
				compliance.ErrorCodeNotFound,
				fmt.Sprintf("unknown permission: %s", permID),
			)
		}
	}
	c.mu.RUnlock()

	doc, err := docstore.Marshal(role)
	if err != nil {
		return fmt.Errorf("failed to encode role: %w", err)
	}

	if err := c.store.Put(ctx, compliance.CollectionRoles, role.ID, doc); err != nil {
		return compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to persist role",
			err,
		)
	}

	c.mu.Lock()
	c.roles[role.ID] = role
	c.mu.Unlock()

	return nil
}

// DeactivateRole soft-deletes a role so audit history stays intact. Users
// holding the role lose its permissions on their next cache refresh.
func (c *Catalog) DeactivateRole(ctx context.Context, roleID string) error {
	c.mu.RLock()
	role, ok := c.roles[roleID]
	c.mu.RUnlock()
	if !ok {
		return compliance.ErrInvalidRole
	}

	deactivated := *role
	deactivated.IsActive = false

	doc, err := docstore.Marshal(&deactivated)
	if err != nil {
		return fmt.Errorf("failed to encode role: %w", err)
	}

	if err := c.store.Put(ctx, compliance.CollectionRoles, roleID, doc); err != nil {
		return compliance.NewErrorWithCause(
			compliance.ErrorTypeUnavailable,
			compliance.ErrorCodeUnavailable,
			"failed to deactivate role",
			err,
		)
	}

	c.mu.Lock()
	c.roles[roleID] = &deactivated
	c.mu.Unlock()

	return nil
}

// invalidateUser drops the cached assignments of a single user
func (c *Catalog) invalidateUser(userID string) {
	c.assignMu.Lock()
	delete(c.assignments, userID)
	c.assignMu.Unlock()
}

// reportStoreFailure records a store failure as an audit failure event.
// Store errors are never silently swallowed here; they still propagate to
// the caller.
func (c *Catalog) reportStoreFailure(ctx context.Context, userID, action string) {
	if c.audit == nil {
		return
	}
	c.audit.Enqueue(ctx, &compliance.AuditEvent{
		Action:       action,
		ResourceType: "role_assignment",
		ResourceID:   userID,
		ActionType:   compliance.ActionTypeAccess,
		ActionResult: compliance.ResultFailure,
		Critical:     true,
	})
}

// builtinPermissions enumerates the fixed permission catalog
func builtinPermissions() []*compliance.Permission {
	specs := []struct {
		id          string
		description string
	}{
		{compliance.PermPatientRead, "Read protected patient health data"},
		{compliance.PermPatientWrite, "Write protected patient health data"},
		{compliance.PermConsentRead, "Read patient consent records"},
		{compliance.PermConsentWrite, "Create and revoke patient consents"},
		{compliance.PermAuditRead, "Read the audit trail"},
		{compliance.PermViolationRead, "Read compliance violations"},
		{compliance.PermRoleAssign, "Assign roles to users"},
		{compliance.PermRoleManage, "Create and deactivate roles"},
		{compliance.PermEmergencyAccess, "Emergency access bypassing consent matching"},
		{compliance.PermBreakGlass, "Break-glass access bypassing consent matching"},
		{compliance.PermOwnRecordRead, "Read the caller's own record"},
		{compliance.PermOwnConsentManage, "Manage the caller's own consents"},
	}

	perms := make([]*compliance.Permission, 0, len(specs))
	for _, s := range specs {
		resource, action := splitPermissionID(s.id)
		perms = append(perms, &compliance.Permission{
			ID:          s.id,
			Name:        s.id,
			Resource:    resource,
			Action:      action,
			Description: s.description,
			IsActive:    true,
		})
	}
	return perms
}

func splitPermissionID(id string) (resource, action string) {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[:i], id[i+1:]
		}
	}
	return id, ""
}
