package monitor

// Key binding constants used in handleKey.
const (
	KeyQuit      = "q"
	KeyCtrlC     = "ctrl+c"
	KeyStart     = "s"
	KeyPause     = "p"
	KeyResume    = "r"
	KeyEnd       = "e"
	KeyCycleMode = "m"
	KeyClearMsg  = "c"

	// Quiz keys.
	KeyStartQuiz   = "z"
	KeyAdvance     = " "
	KeyLeaderboard = "l"
	KeyEndQuiz     = "x"

	// Learners answer with the option number.
	KeyOption1 = "1"
	KeyOption2 = "2"
	KeyOption3 = "3"
	KeyOption4 = "4"
)
