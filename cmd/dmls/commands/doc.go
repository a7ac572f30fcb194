// Package commands implements the dmls command-line interface.
//
//	dmls gen-state <path> [--signature-scheme Ed25519]
//	dmls use-state -s <path> gen-kp
//	dmls use-state -s <path> create-send-group   < key packages
//	dmls use-state -s <path> add-members         < key packages
//	dmls use-state -s <path> self-update
//	dmls use-state -s <path> inject-psks
//	dmls use-state -s <path> remove-members <leaf>...
//	dmls use-state -s <path> process             < messages
//	dmls use-state -s <path> encrypt             < lines of text
//	dmls use-state -s <path> info
//	dmls inspect-message                         < message
//
// Protocol artifacts are read and written as one base64 line each. State
// is saved only after a command succeeds.
package commands
