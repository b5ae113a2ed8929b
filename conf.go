/* ipp-usb - HTTP reverse proxy, backed by IPP-over-USB connection to device
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * Program configuration
 */

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// ConfFileName defines a name of the bridge's configuration file
const ConfFileName = "ipp-usb-bridge.conf"

// Configuration represents the subset of program configuration that
// may be supplied by a configuration file. Every field here is a
// *default*: a CLI flag that was actually given on the command line
// always takes precedence.
type Configuration struct {
	Interface    string   // Default network interface name
	DNSSdEnable  bool     // Enable DNS-SD advertising by default
	Syslog       bool     // Send logs to syslog by default
	LogMain      LogLevel // Main log LogLevel mask
	LogConsole   LogLevel // Console LogLevel mask
	ColorConsole bool     // Enable ANSI colors on console
}

// Conf contains a global instance of program configuration
var Conf = Configuration{
	Interface:    "lo",
	DNSSdEnable:  true,
	Syslog:       false,
	LogMain:      LogError | LogInfo,
	LogConsole:   LogError | LogInfo,
	ColorConsole: true,
}

// ConfLoad loads the program configuration from the usual .INI-style
// locations. It is not an error if no configuration file exists; in
// that case the built-in defaults above remain in effect and the CLI
// flags drive everything
func ConfLoad() error {
	exepath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, err)
	}
	exepath = filepath.Dir(exepath)

	paths := []interface{}{
		filepath.Join(PathConfDir, ConfFileName),
		filepath.Join(exepath, ConfFileName),
	}

	// LooseLoad silently skips files that don't exist, which is
	// exactly the semantics ConfLoad needs: the configuration file
	// is optional, CLI flags are authoritative
	cfg, err := ini.LooseLoad(paths[0], paths[1:]...)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, err)
	}

	net := cfg.Section("network")
	if k := net.Key("interface"); k.String() != "" {
		Conf.Interface = k.String()
	}
	if net.HasKey("dns-sd") {
		enabled, err := confBinary(net.Key("dns-sd").String())
		if err != nil {
			return fmt.Errorf("%w: network.dns-sd: %s", ErrConfigInvalid, err)
		}
		Conf.DNSSdEnable = enabled
	}

	log := cfg.Section("logging")
	if log.HasKey("syslog") {
		enabled, err := confBinary(log.Key("syslog").String())
		if err != nil {
			return fmt.Errorf("%w: logging.syslog: %s", ErrConfigInvalid, err)
		}
		Conf.Syslog = enabled
	}
	if log.HasKey("main-log") {
		Conf.LogMain, err = confLogLevel(log.Key("main-log").String())
		if err != nil {
			return fmt.Errorf("%w: logging.main-log: %s", ErrConfigInvalid, err)
		}
	}
	if log.HasKey("console-log") {
		Conf.LogConsole, err = confLogLevel(log.Key("console-log").String())
		if err != nil {
			return fmt.Errorf("%w: logging.console-log: %s", ErrConfigInvalid, err)
		}
	}
	if log.HasKey("console-color") {
		Conf.ColorConsole, err = confBinary(log.Key("console-color").String())
		if err != nil {
			return fmt.Errorf("%w: logging.console-color: %s", ErrConfigInvalid, err)
		}
	}

	return nil
}

// confBinary parses an "enable"/"disable" configuration value
func confBinary(s string) (bool, error) {
	switch s {
	case "disable":
		return false, nil
	case "enable":
		return true, nil
	default:
		return false, fmt.Errorf("must be enable or disable, not %q", s)
	}
}

// confLogLevel parses a comma-separated LogLevel configuration value
func confLogLevel(s string) (LogLevel, error) {
	var mask LogLevel
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		switch tok {
		case "":
		case "error":
			mask |= LogError
		case "info":
			mask |= LogInfo | LogError
		case "debug":
			mask |= LogDebug | LogInfo | LogError
		case "trace-http":
			mask |= LogTraceHTTP | LogDebug | LogInfo | LogError
		case "trace-usb":
			mask |= LogTraceUSB | LogDebug | LogInfo | LogError
		case "all", "trace-all":
			mask |= LogAll
		default:
			return 0, fmt.Errorf("invalid log level %q", tok)
		}
	}
	return mask, nil
}
