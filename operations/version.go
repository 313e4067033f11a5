package operations

// ClientVersion is the version of the command line tool.
const ClientVersion = "2025-07-01"
