/*
Package config loads Muster configuration from YAML files with sane
defaults for every tunable.

Precedence is flag > file > default: cobra commands call Load with the
--config path (empty means defaults), then overwrite individual fields
from explicitly set flags. All protocol timeouts, queue watermarks, and
loop intervals live here so tests can shrink them without patching
package-level variables.
*/
package config
