package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"metecho/internal/domain"
	"metecho/internal/gh"
	"metecho/internal/jobs"
	"metecho/internal/repo"
)

func (r *Runner) createPR(ctx context.Context, payload []byte) error {
	var args jobs.CreatePRArgs
	if err := jobs.Decode(payload, &args); err != nil {
		return err
	}
	log := r.log().With(zap.String("job", jobs.CreatePR), zap.String("target", args.Target), zap.String("id", args.ID))
	pr, err := r.openPullRequest(ctx, args)
	if err != nil {
		log.Error("create pull request failed", zap.Error(err))
		r.recordFailure(jobs.CreatePR, r.Engine.FinalizeCreatePR(ctx, args.Target, args.ID, 0, err, args.OriginatingUserID))
		return err
	}
	log.Info("pull request created", zap.Int("number", pr.Number))
	return r.Engine.FinalizeCreatePR(ctx, args.Target, args.ID, pr.Number, nil, args.OriginatingUserID)
}

func (r *Runner) openPullRequest(ctx context.Context, args jobs.CreatePRArgs) (gh.PullRequest, error) {
	var projectID, head, epicID string
	switch args.Target {
	case jobs.TargetTask:
		task, err := r.Engine.Repo.GetTask(ctx, args.ID, repo.ScopeActive)
		if err != nil {
			return gh.PullRequest{}, fmt.Errorf("task %s: %w", args.ID, err)
		}
		projectID, head = task.ProjectID, task.BranchName
		if task.EpicID != nil {
			epicID = *task.EpicID
		}
	case jobs.TargetEpic:
		epic, err := r.Engine.Repo.GetEpic(ctx, args.ID, repo.ScopeActive)
		if err != nil {
			return gh.PullRequest{}, fmt.Errorf("epic %s: %w", args.ID, err)
		}
		projectID, head = epic.ProjectID, epic.BranchName
	default:
		return gh.PullRequest{}, fmt.Errorf("%w: pull request target %q", jobs.ErrUnknownJob, args.Target)
	}
	project, err := r.Engine.Repo.GetProject(ctx, projectID, repo.ScopeActive)
	if err != nil {
		return gh.PullRequest{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	if project.RepoID == nil {
		return gh.PullRequest{}, fmt.Errorf("%w: %s", errNoRepo, project.ID)
	}
	base := project.BranchName
	if epicID != "" {
		epic, err := r.Engine.Repo.GetEpic(ctx, epicID, repo.ScopeActive)
		if err != nil {
			return gh.PullRequest{}, fmt.Errorf("epic %s: %w", epicID, err)
		}
		if epic.BranchName != "" {
			base = epic.BranchName
		}
	}
	return r.GitHub.CreatePullRequest(ctx, *project.RepoID, gh.NewPullRequest{
		Title: args.Title,
		Body:  pullRequestBody(args),
		Head:  head,
		Base:  base,
	})
}

// pullRequestBody lays out the description followed by the non-empty
// release note sections.
func pullRequestBody(args jobs.CreatePRArgs) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(args.Body))
	for _, s := range []struct{ title, text string }{
		{"Critical Changes", args.CriticalChanges},
		{"Changes", args.AdditionalChanges},
		{"Issues Closed", args.IssuesText},
		{"Notes", args.Notes},
	} {
		text := strings.TrimSpace(s.text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("# " + s.title + "\n\n" + text)
	}
	return b.String()
}

// refreshGitHubUsers snapshots the repository collaborators. Each entry is
// expanded with the user's full name; an expansion failure keeps the
// simple record.
func (r *Runner) refreshGitHubUsers(ctx context.Context, payload []byte) error {
	var args jobs.RefreshGitHubUsersArgs
	if err := jobs.Decode(payload, &args); err != nil {
		return err
	}
	log := r.log().With(zap.String("job", jobs.RefreshGitHubUsers), zap.String("project_id", args.ProjectID))
	users, err := r.collaborators(ctx, args.ProjectID)
	if err != nil {
		log.Error("refresh github users failed", zap.Error(err))
		r.recordFailure(jobs.RefreshGitHubUsers, r.Engine.FinalizeGitHubUsers(ctx, args.ProjectID, nil, err, args.OriginatingUserID))
		return err
	}
	return r.Engine.FinalizeGitHubUsers(ctx, args.ProjectID, users, nil, args.OriginatingUserID)
}

func (r *Runner) collaborators(ctx context.Context, projectID string) ([]domain.GitHubUser, error) {
	project, err := r.Engine.Repo.GetProject(ctx, projectID, repo.ScopeActive)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	if project.RepoID == nil {
		return nil, fmt.Errorf("%w: %s", errNoRepo, project.ID)
	}
	collabs, err := r.GitHub.Collaborators(ctx, *project.RepoID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	users := make([]domain.GitHubUser, len(collabs))
	g, gctx := errgroup.WithContext(ctx)
	if r.UserExpansion > 0 {
		g.SetLimit(r.UserExpansion)
	}
	for i, c := range collabs {
		perms := make(map[string]any, len(c.Permissions))
		for k, v := range c.Permissions {
			perms[k] = v
		}
		users[i] = domain.GitHubUser{
			ID:          strconv.FormatInt(c.ID, 10),
			Login:       c.Login,
			AvatarURL:   c.AvatarURL,
			Permissions: perms,
		}
		g.Go(func() error {
			u, err := r.GitHub.User(gctx, c.Login)
			if err != nil {
				r.log().Warn("expand github user", zap.String("login", c.Login), zap.Error(err))
				return nil
			}
			users[i].Name = u.Name
			return nil
		})
	}
	_ = g.Wait()
	return users, nil
}

func (r *Runner) refreshGitHubRepositories(ctx context.Context, payload []byte) error {
	var args jobs.RefreshGitHubRepositoriesArgs
	if err := jobs.Decode(payload, &args); err != nil {
		return err
	}
	log := r.log().With(zap.String("job", jobs.RefreshGitHubRepositories), zap.String("user_id", args.UserID))
	repos, err := r.userRepositories(ctx, args.UserID)
	if err != nil {
		log.Error("refresh github repositories failed", zap.Error(err))
		r.recordFailure(jobs.RefreshGitHubRepositories, r.Engine.FinalizeGitHubRepositories(ctx, args.UserID, nil, err))
		return err
	}
	return r.Engine.FinalizeGitHubRepositories(ctx, args.UserID, repos, nil)
}

func (r *Runner) userRepositories(ctx context.Context, userID string) ([]domain.GitHubRepository, error) {
	u, err := r.Engine.Repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	token := ""
	if a := u.GitHubAccount(); a != nil {
		token = a.Token
	}
	found, err := r.GitHub.ReposForUser(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	repos := make([]domain.GitHubRepository, 0, len(found))
	for _, fr := range found {
		perms := make(map[string]any, len(fr.Permissions))
		for k, v := range fr.Permissions {
			perms[k] = v
		}
		repos = append(repos, domain.GitHubRepository{UserID: userID, RepoID: fr.ID, RepoURL: fr.HTMLURL, Permissions: perms})
	}
	return repos, nil
}
