package processor

import (
	"context"

	"go.uber.org/zap"

	"kortex-backend/internal/domain"
	"kortex-backend/internal/graph"
)

// OnDirectoryUsers upserts the users a source's directory reports. Users are
// merged by email so a directory entry converges with the inactive node a
// permission resolution may have created earlier, and a re-sync is a no-op.
func (p *Processor) OnDirectoryUsers(ctx context.Context, users []domain.AppUser) error {
	if len(users) == 0 {
		return nil
	}

	_, err := p.inTx(ctx, func(tx graph.Tx) (classification, error) {
		now := p.now().UnixMilli()
		nodes := make([]interface{}, 0, len(users))
		for i := range users {
			user := users[i]
			if user.Email == "" {
				p.logger.Warn("directory user without email skipped",
					zap.String("sourceUserId", user.SourceUserID))
				continue
			}
			existing, err := p.store.GetUserByEmail(ctx, user.Email)
			if err != nil {
				return "", err
			}
			if existing != nil {
				user.Key = existing.Key
				user.CreatedAt = existing.CreatedAt
			} else {
				user.Key = domain.ExternalUserKey(user.Email)
				user.CreatedAt = now
			}
			user.UpdatedAt = now
			nodes = append(nodes, &user)
		}
		if len(nodes) == 0 {
			return classUnchanged, nil
		}
		return classUpdated, p.store.BatchUpsertNodes(ctx, nodes, graph.Users, tx)
	})
	if err != nil {
		return err
	}
	p.logger.Debug("directory users upserted", zap.Int("count", len(users)))
	return nil
}

// OnDirectoryGroups upserts the groups a source's directory reports, merged
// by (connector, source group id) the same way permission resolution keys its
// placeholder groups.
func (p *Processor) OnDirectoryGroups(ctx context.Context, groups []domain.AppUserGroup) error {
	if len(groups) == 0 {
		return nil
	}

	_, err := p.inTx(ctx, func(tx graph.Tx) (classification, error) {
		now := p.now().UnixMilli()
		nodes := make([]interface{}, 0, len(groups))
		for i := range groups {
			group := groups[i]
			if group.SourceGroupID == "" {
				p.logger.Warn("directory group without source id skipped",
					zap.String("name", group.Name))
				continue
			}
			existing, err := p.store.GetUserGroupByExternalID(ctx, group.AppName, group.SourceGroupID)
			if err != nil {
				return "", err
			}
			if existing != nil {
				group.Key = existing.Key
				group.CreatedAt = existing.CreatedAt
			} else {
				group.Key = domain.ExternalGroupKey(group.AppName, group.SourceGroupID)
				group.CreatedAt = now
			}
			group.UpdatedAt = now
			nodes = append(nodes, &group)
		}
		if len(nodes) == 0 {
			return classUnchanged, nil
		}
		return classUpdated, p.store.BatchUpsertNodes(ctx, nodes, graph.Groups, tx)
	})
	if err != nil {
		return err
	}
	p.logger.Debug("directory groups upserted", zap.Int("count", len(groups)))
	return nil
}
