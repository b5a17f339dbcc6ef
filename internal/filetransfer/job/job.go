// Package job models the read-only job record the file-transfer engine is
// handed at session start: a set of typed attributes describing a
// sandbox's working directory, ownership, and transfer lists (spec §2,
// "Job record").
package job

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relayforge/relayforge/internal/classad"
)

// Attribute names as they appear on the job's classad.Attrs record.
const (
	AttrIwd                = "Iwd"
	AttrClusterId          = "ClusterId"
	AttrProcId             = "ProcId"
	AttrOwner              = "Owner"
	AttrTransferInputFiles = "TransferInput"
	AttrTransferOutputFiles = "TransferOutput"
	AttrOutputDestination  = "OutputDestination"
	AttrTransferOutputRemaps = "TransferOutputRemaps"
	AttrEncryptInputFiles  = "EncryptInputFiles"
	AttrDontEncryptInputFiles = "DontEncryptInputFiles"
	AttrEncryptOutputFiles = "EncryptOutputFiles"
	AttrDontEncryptOutputFiles = "DontEncryptOutputFiles"
	AttrCmd                = "Cmd"
	AttrUserLog            = "UserLog"
	AttrX509UserProxy      = "X509UserProxy"
	AttrMaxTransferInputMB = "MaxTransferInputMB"
	AttrMaxTransferOutputMB = "MaxTransferOutputMB"
	AttrTransferPluginOverride = "TransferPluginOverride"
)

// Job is the read-only input the engine consumes for one sandbox transfer
// session. It is intentionally immutable after construction: callers built
// it once from a classad.Attrs record and every downstream component reads
// it without copying or mutating it further.
type Job struct {
	Iwd       string
	ClusterId int64
	ProcId    int64
	Owner     string

	InputFiles  []string
	OutputFiles []string

	OutputDestination string
	OutputRemaps      map[string]string

	EncryptInputFiles     map[string]bool
	EncryptOutputFiles    map[string]bool

	ExecutablePath string
	LogPath        string
	CredentialPath string

	// PluginOverride is the job's inline "scheme=path;..." plugin override
	// spec, if any (spec §4.3). Callers pass it through plugin.ParseOverrides
	// to build the map plugin.Registry.Lookup consults.
	PluginOverride string

	MaxTransferInputBytes  int64
	MaxTransferOutputBytes int64
}

// FromAttrs builds a Job from a classad.Attrs record, enforcing the
// required-attribute set (spec §2). Optional lists default to empty.
func FromAttrs(a *classad.Attrs) (*Job, error) {
	iwd, ok := a.GetString(AttrIwd)
	if !ok || iwd == "" {
		return nil, fmt.Errorf("job: missing required attribute %s", AttrIwd)
	}
	clusterID, ok := a.GetInt(AttrClusterId)
	if !ok {
		return nil, fmt.Errorf("job: missing required attribute %s", AttrClusterId)
	}
	procID, ok := a.GetInt(AttrProcId)
	if !ok {
		return nil, fmt.Errorf("job: missing required attribute %s", AttrProcId)
	}
	owner, ok := a.GetString(AttrOwner)
	if !ok || owner == "" {
		return nil, fmt.Errorf("job: missing required attribute %s", AttrOwner)
	}

	j := &Job{
		Iwd:       iwd,
		ClusterId: clusterID,
		ProcId:    procID,
		Owner:     owner,
	}

	if in, ok := a.GetStringList(AttrTransferInputFiles); ok {
		j.InputFiles = in
	}
	if out, ok := a.GetStringList(AttrTransferOutputFiles); ok {
		j.OutputFiles = out
	}
	if dest, ok := a.GetString(AttrOutputDestination); ok {
		j.OutputDestination = dest
	}
	if remaps, ok := a.GetString(AttrTransferOutputRemaps); ok {
		j.OutputRemaps = parseRemapString(remaps)
	}
	if exe, ok := a.GetString(AttrCmd); ok {
		j.ExecutablePath = exe
	}
	if logPath, ok := a.GetString(AttrUserLog); ok {
		j.LogPath = logPath
	}
	if cred, ok := a.GetString(AttrX509UserProxy); ok {
		j.CredentialPath = cred
	}
	if override, ok := a.GetString(AttrTransferPluginOverride); ok {
		j.PluginOverride = override
	}
	if mb, ok := a.GetInt(AttrMaxTransferInputMB); ok {
		j.MaxTransferInputBytes = mb * 1024 * 1024
	}
	if mb, ok := a.GetInt(AttrMaxTransferOutputMB); ok {
		j.MaxTransferOutputBytes = mb * 1024 * 1024
	}

	j.EncryptInputFiles = buildEncryptSet(a, j.InputFiles, AttrEncryptInputFiles, AttrDontEncryptInputFiles)
	j.EncryptOutputFiles = buildEncryptSet(a, j.OutputFiles, AttrEncryptOutputFiles, AttrDontEncryptOutputFiles)

	return j, nil
}

// buildEncryptSet resolves the per-file encryption decision from the job's
// encrypt/don't-encrypt sub-lists. An explicit don't-encrypt entry wins over
// an explicit encrypt entry for the same file (matching the sub-lists'
// override semantics: the exclusion list is consulted last).
func buildEncryptSet(a *classad.Attrs, files []string, encryptAttr, dontEncryptAttr string) map[string]bool {
	set := make(map[string]bool, len(files))
	if encList, ok := a.GetStringList(encryptAttr); ok {
		for _, f := range encList {
			set[f] = true
		}
	}
	if dontList, ok := a.GetStringList(dontEncryptAttr); ok {
		for _, f := range dontList {
			set[f] = false
		}
	}
	return set
}

// ShouldEncryptInput reports whether name should travel encrypted on input.
func (j *Job) ShouldEncryptInput(name string) bool {
	return j.EncryptInputFiles[name]
}

// ShouldEncryptOutput reports whether name should travel encrypted on output.
func (j *Job) ShouldEncryptOutput(name string) bool {
	return j.EncryptOutputFiles[name]
}

func parseRemapString(spec string) map[string]string {
	m := map[string]string{}
	for _, pair := range strings.Split(spec, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		m[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return m
}

// Key uniquely identifies the job among concurrently active sessions on a
// host as "<ClusterId>.<ProcId>"; it is the job ID sent with transfer-queue
// slot requests.
func (j *Job) Key() string {
	return strconv.FormatInt(j.ClusterId, 10) + "." + strconv.FormatInt(j.ProcId, 10)
}
