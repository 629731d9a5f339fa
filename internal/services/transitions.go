package services

import "livesession-backend/internal/models"

type Command string

const (
	CmdStart            Command = "start"
	CmdPause            Command = "pause"
	CmdResume           Command = "resume"
	CmdEnd              Command = "end"
	CmdSetMode          Command = "set_mode"
	CmdSetCurrentModule Command = "set_current_module"
	CmdSetCurrentItem   Command = "set_current_item"
	CmdUnlockModule     Command = "unlock_module"
	CmdUnlockItem       Command = "unlock_item"
	CmdSendMessage      Command = "send_message"
	CmdClearMessage     Command = "clear_message"
)

var nonTerminal = []models.SessionStatus{
	models.SessionWaiting, models.SessionLive, models.SessionBreak, models.SessionExercise,
	models.SessionQuizLive, models.SessionDiscussion,
}

var strictFrom = map[Command][]models.SessionStatus{
	CmdStart:   {models.SessionWaiting},
	CmdPause:   {models.SessionLive},
	CmdResume:  {models.SessionBreak},
	CmdSetMode: {models.SessionLive, models.SessionExercise, models.SessionQuizLive, models.SessionDiscussion},
}

// allowedFrom returns the statuses cmd may be applied from. The permissive
// table accepts every command from any non-terminal status; the strict one
// narrows the lifecycle commands.
func allowedFrom(cmd Command, strict bool) []models.SessionStatus {
	if strict {
		if from, ok := strictFrom[cmd]; ok {
			return from
		}
	}
	return nonTerminal
}

func statusIn(s models.SessionStatus, set []models.SessionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
