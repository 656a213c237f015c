package protocol

import "fmt"

// Status bytes that lead every response.
const (
	StatusNext         byte = 0
	StatusDone         byte = 1
	StatusSQLException byte = 2
	StatusIOException  byte = 3
)

// CommandID is the compressed int sent at the start of every command.
type CommandID int32

// CommandQuit is sent by clients closing the connection cleanly.
const CommandQuit CommandID = -1

const (
	CommandListenCaches CommandID = iota
	CommandPing
	CommandTestConnection
	CommandAdd
	CommandRemove
	CommandDisable
	CommandEnable
	CommandInvalidateTable
	CommandGetRowCount
	CommandGetTable
	CommandGetObject
	CommandSetAccountDescription
	CommandSetDefaultBusinessServer
	CommandIsAccountNameAvailable
	CommandGenerateAccountName
	CommandGetAccountDescription
	CommandGetMasterStatus
	CommandGetAccessibleServers
	CommandGetRequestConcurrency
	CommandGetConnectorID
)

var commandNames = map[CommandID]string{
	CommandQuit:                     "QUIT",
	CommandListenCaches:             "LISTEN_CACHES",
	CommandPing:                     "PING",
	CommandTestConnection:           "TEST_CONNECTION",
	CommandAdd:                      "ADD",
	CommandRemove:                   "REMOVE",
	CommandDisable:                  "DISABLE",
	CommandEnable:                   "ENABLE",
	CommandInvalidateTable:          "INVALIDATE_TABLE",
	CommandGetRowCount:              "GET_ROW_COUNT",
	CommandGetTable:                 "GET_TABLE",
	CommandGetObject:                "GET_OBJECT",
	CommandSetAccountDescription:    "SET_ACCOUNT_DESCRIPTION",
	CommandSetDefaultBusinessServer: "SET_DEFAULT_BUSINESS_SERVER",
	CommandIsAccountNameAvailable:   "IS_ACCOUNT_NAME_AVAILABLE",
	CommandGenerateAccountName:      "GENERATE_ACCOUNT_NAME",
	CommandGetAccountDescription:    "GET_ACCOUNT_DESCRIPTION",
	CommandGetMasterStatus:          "GET_MASTER_STATUS",
	CommandGetAccessibleServers:     "GET_ACCESSIBLE_SERVERS",
	CommandGetRequestConcurrency:    "GET_REQUEST_CONCURRENCY",
	CommandGetConnectorID:           "GET_CONNECTOR_ID",
}

func (c CommandID) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("COMMAND_%d", int32(c))
}
