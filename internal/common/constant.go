// Package common contains shared constants and sentinel errors used across
// relayforge's agent, coordinator, and file-transfer engine packages.
package common

// AccessTokenHeaderName is the gRPC metadata key carrying the coordinator
// admission token on outbound RequestSlot/KeepAlive/Release calls.
const AccessTokenHeaderName = "access_token"

// Canonical tunable names, matched to the operator-facing config keys named
// in spec §6. No config loader reads these constants: the agent's JSON keys
// and flags use their own names.
const (
	TunableEnableURLTransfers            = "ENABLE_URL_TRANSFERS"
	TunableEnableMultifilePlugins        = "ENABLE_MULTIFILE_TRANSFER_PLUGINS"
	TunableFiletransferPlugins           = "FILETRANSFER_PLUGINS"
	TunableRunPluginsWithRoot            = "RUN_FILETRANSFER_PLUGINS_WITH_ROOT"
	TunableSignS3URLs                    = "SIGN_S3_URLS"
	TunableDelegateGSICredentials        = "DELEGATE_JOB_GSI_CREDENTIALS"
	TunableDelegateGSICredentialsLife    = "DELEGATE_JOB_GSI_CREDENTIALS_LIFETIME"
	TunableDelegateGSICredentialsRefresh = "DELEGATE_JOB_GSI_CREDENTIALS_REFRESH"
	TunableTransferQueueUserExpr         = "TRANSFER_QUEUE_USER_EXPR"
	TunableFileTransferStatsLog          = "FILE_TRANSFER_STATS_LOG"
)

// Environment variables propagated into plugin subprocesses (spec §6).
const (
	EnvCondorCreds            = "_CONDOR_CREDS"
	EnvX509UserProxy          = "X509_USER_PROXY"
	EnvCondorJobAd            = "_CONDOR_JOB_AD"
	EnvCondorMachineAd        = "_CONDOR_MACHINE_AD"
	EnvCondorServicePrincipal = "_CONDOR_SERVICE_PRINCIPAL"
)

// NullSinkBasename is the diversion target basename for illegal sandbox
// paths (spec §4.9, §7). Nothing is ever created there; it exists only so
// diversion has a stable, loggable name distinct from any real file.
const NullSinkBasename = ".relayforge-null-sink"

// CompiledExecFingerprint is the basename FileCatalog always excludes
// (spec §4.1).
const CompiledExecFingerprint = "condor_exec.exe"
