package logger

// Attribute keys shared by every component so log queries stay stable.
const (
	KeyComponent     = "component"
	KeyDatabase      = "database"
	KeyMigrationPath = "migration_path"
	KeyScript        = "script"
	KeyServer        = "server"
	KeyStage         = "stage"
	KeyCommand       = "command"
	KeyExitCode      = "exit_code"
	KeyConnection    = "connection"
	KeyState         = "state"
	KeyError         = "error"
)
