package lifecycle

import "github.com/factorial-io/scotty/pkg/statemachine"

// Action names bound to lifecycle phases in blueprints.
const (
	ActionPostCreate  = "post_create"
	ActionPostRebuild = "post_rebuild"
)

func createMachine() *statemachine.Machine[*opContext] {
	return statemachine.New[*opContext]("create", stateCreateDirectory, stateDone).
		On(stateCreateDirectory, createDirectoryStep(stateSaveSettings)).
		On(stateSaveSettings, saveSettingsStep(stateSaveFiles)).
		On(stateSaveFiles, saveFilesStep(stateCreateLBConfig)).
		On(stateCreateLBConfig, writeOverrideStep(stateBuildAndRun)).
		On(stateBuildAndRun, buildAndRunStep(stateRunPostActions)).
		On(stateRunPostActions, postActionsStep(ActionPostCreate, stateUpdateAppData)).
		On(stateUpdateAppData, updateAppDataStep(stateDone))
}

func runMachine() *statemachine.Machine[*opContext] {
	return statemachine.New[*opContext]("run", stateEnsureLBConfig, stateDone).
		On(stateEnsureLBConfig, writeOverrideStep(stateStart)).
		On(stateStart, composeStep(stateInspect, "up", "-d")).
		On(stateInspect, inspectStep(stateUpdateAppData)).
		On(stateUpdateAppData, updateAppDataStep(stateDone))
}

func stopMachine() *statemachine.Machine[*opContext] {
	return statemachine.New[*opContext]("stop", stateStop, stateDone).
		On(stateStop, composeStep(stateInspect, "stop")).
		On(stateInspect, inspectStep(stateUpdateAppData)).
		On(stateUpdateAppData, updateAppDataStep(stateDone))
}

func purgeMachine() *statemachine.Machine[*opContext] {
	return statemachine.New[*opContext]("purge", stateDown, stateDone).
		On(stateDown, composeStep(stateUpdateAppData, "down")).
		On(stateUpdateAppData, updateAppDataStep(stateDone))
}

func destroyMachine() *statemachine.Machine[*opContext] {
	return statemachine.New[*opContext]("destroy", stateDown, stateDone).
		On(stateDown, composeStep(stateUpdateAppData, "down")).
		On(stateUpdateAppData, updateAppDataStep(stateRemoveDirectory)).
		On(stateRemoveDirectory, removeDirectoryStep(stateRemoveFromRegistry)).
		On(stateRemoveFromRegistry, removeFromRegistryStep(stateDone))
}

func rebuildMachine() *statemachine.Machine[*opContext] {
	return statemachine.New[*opContext]("rebuild", statePull, stateDone).
		On(statePull, pullStep(stateBuild)).
		On(stateBuild, composeStep(stateStart, "build")).
		On(stateStart, composeStep(stateRunPostActions, "up", "-d")).
		On(stateRunPostActions, postActionsStep(ActionPostRebuild, stateInspect)).
		On(stateInspect, inspectStep(stateUpdateAppData)).
		On(stateUpdateAppData, updateAppDataStep(stateDone))
}

func adoptMachine() *statemachine.Machine[*opContext] {
	return statemachine.New[*opContext]("adopt", stateInspect, stateDone).
		On(stateInspect, inspectStep(stateDeriveSettings)).
		On(stateDeriveSettings, deriveSettingsStep(stateSaveSettings)).
		On(stateSaveSettings, saveSettingsStep(stateUpdateAppData)).
		On(stateUpdateAppData, updateAppDataStep(stateDone))
}

func customActionMachine() *statemachine.Machine[*opContext] {
	return statemachine.New[*opContext]("custom-action", stateRunPostActions, stateDone).
		On(stateRunPostActions, postActionsStep("", stateDone))
}
