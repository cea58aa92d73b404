package services

import (
	"fmt"

	"github.com/factorial-io/scotty/pkg/apps"
	"github.com/factorial-io/scotty/pkg/authz"
	"github.com/factorial-io/scotty/pkg/tasks"
)

// TaskService exposes task state and collected output, filtered by the
// caller's view permission on the owning app.
type TaskService struct {
	tasks     *tasks.Manager
	registry  *apps.Registry
	authorize Authorizer
}

// NewTaskService creates the task query surface.
func NewTaskService(manager *tasks.Manager, registry *apps.Registry, authorize Authorizer) *TaskService {
	return &TaskService{tasks: manager, registry: registry, authorize: authorize}
}

// List returns every task whose owning app the user may view, newest
// first. Tasks for apps that no longer exist are visible to everyone
// with a view grant on the default scope.
func (s *TaskService) List(user *authz.CurrentUser) []tasks.Task {
	var out []tasks.Task
	for _, task := range s.tasks.List() {
		if !s.mayView(user, task.AppName) {
			continue
		}
		out = append(out, task)
	}
	return out
}

// Detail returns one task. Unknown ids yield NotFound before the
// permission check.
func (s *TaskService) Detail(user *authz.CurrentUser, taskID string) (tasks.Task, error) {
	task, err := s.tasks.GetDetails(taskID)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if !s.mayView(user, task.AppName) {
		return tasks.Task{}, fmt.Errorf("%w: view on task %s", ErrForbidden, taskID)
	}
	return task, nil
}

// Output returns the collected output lines of a task.
func (s *TaskService) Output(user *authz.CurrentUser, taskID string) ([]tasks.OutputLine, error) {
	if _, err := s.Detail(user, taskID); err != nil {
		return nil, err
	}
	lines, err := s.tasks.GetOutput(taskID)
	if err != nil {
		return nil, mapLifecycleError(err)
	}
	return lines, nil
}

func (s *TaskService) mayView(user *authz.CurrentUser, appName string) bool {
	scopes := []string{apps.DefaultScope}
	if app, ok := s.registry.Get(appName); ok {
		scopes = app.Scopes()
	}
	ok, err := s.authorize.CheckScopes(user, scopes, authz.PermissionView)
	return err == nil && ok
}
