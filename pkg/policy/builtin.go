package policy

import (
	"time"
)

// Names of the built-in policies.
const (
	PolicyPIDFormat    = "pid-format"
	PolicyReservedKeys = "reserved-keys"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		pidFormatPolicy(),
		reservedKeysPolicy(),
	}
}

// pidFormatPolicy enforces dotted pid naming and sane factory instance names.
func pidFormatPolicy() Policy {
	return Policy{
		Name:        PolicyPIDFormat,
		Description: "Pids and factory pids are dot separated names; instance names contain no path separators or spaces",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package confman.policies.pid_format

import rego.v1

pid_pattern := "^[A-Za-z_][A-Za-z0-9_-]*(\\.[A-Za-z0-9_-]+)*$"

deny contains violation if {
	not input.identity.factory
	pid := input.identity.pid
	not regex.match(pid_pattern, pid)
	violation := {
		"message": sprintf("pid '%s' must be a dot separated name", [pid]),
		"severity": "error",
	}
}

deny contains violation if {
	input.identity.factory
	fpid := input.identity.factory_pid
	not regex.match(pid_pattern, fpid)
	violation := {
		"message": sprintf("factory pid '%s' must be a dot separated name", [fpid]),
		"severity": "error",
	}
}

deny contains violation if {
	input.identity.factory
	instance := input.identity.factory_instance
	regex.match("[/\\\\\\s]", instance)
	violation := {
		"message": sprintf("factory instance '%s' must not contain path separators or whitespace", [instance]),
		"severity": "error",
	}
}

deny contains violation if {
	count(input.identity.key) > 255
	violation := {
		"message": "configuration key must be at most 255 characters long",
		"severity": "error",
	}
}
`,
	}
}

// reservedKeysPolicy guards the identity keys and the confman. info namespace.
func reservedKeysPolicy() Policy {
	return Policy{
		Name:        PolicyReservedKeys,
		Description: "Identity properties must match the target and confman. keys are reserved for source information",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"integrity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package confman.policies.reserved_keys

import rego.v1

known_info_keys := {
	"confman.source",
	"confman.source.path",
	"confman.source.format",
	"confman.factory.instance",
}

expected_pid := input.identity.factory_pid if {
	input.identity.factory
} else := input.identity.pid

deny contains violation if {
	some key, _ in input.properties
	key == ""
	violation := {
		"message": "property keys must not be empty",
		"severity": "error",
		"key": key,
	}
}

deny contains violation if {
	pid := input.properties["service.pid"]
	pid != expected_pid
	violation := {
		"message": sprintf("service.pid %v does not match %s", [pid, expected_pid]),
		"severity": "error",
		"key": "service.pid",
	}
}

deny contains violation if {
	input.identity.factory
	fpid := input.properties["service.factoryPid"]
	fpid != input.identity.factory_pid
	violation := {
		"message": sprintf("service.factoryPid %v does not match %s", [fpid, input.identity.factory_pid]),
		"severity": "error",
		"key": "service.factoryPid",
	}
}

deny contains violation if {
	some key, _ in input.properties
	startswith(key, "confman.")
	not known_info_keys[key]
	violation := {
		"message": sprintf("property %s uses the reserved confman. prefix", [key]),
		"severity": "warning",
		"key": key,
	}
}
`,
	}
}
