package flags

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ErrFlagNotDefined indicates that the requested flag is not present on the command.
var ErrFlagNotDefined = errors.New("flag not defined")

// BoolFlag returns the flag value and whether the user changed it.
func BoolFlag(command *cobra.Command, name string) (bool, bool, error) {
	flagSet, flag := locateFlag(command, name)
	if flag == nil {
		return false, false, ErrFlagNotDefined
	}
	value, err := flagSet.GetBool(name)
	if err != nil {
		return false, false, err
	}
	return value, flag.Changed, nil
}

func StringFlag(command *cobra.Command, name string) (string, bool, error) {
	flagSet, flag := locateFlag(command, name)
	if flag == nil {
		return "", false, ErrFlagNotDefined
	}
	value, err := flagSet.GetString(name)
	if err != nil {
		return "", false, err
	}
	return value, flag.Changed, nil
}

func StringSliceFlag(command *cobra.Command, name string) ([]string, bool, error) {
	flagSet, flag := locateFlag(command, name)
	if flag == nil {
		return nil, false, ErrFlagNotDefined
	}
	values, err := flagSet.GetStringSlice(name)
	if err != nil {
		return nil, false, err
	}
	return values, flag.Changed, nil
}

func IntFlag(command *cobra.Command, name string) (int, bool, error) {
	flagSet, flag := locateFlag(command, name)
	if flag == nil {
		return 0, false, ErrFlagNotDefined
	}
	value, err := flagSet.GetInt(name)
	if err != nil {
		return 0, false, err
	}
	return value, flag.Changed, nil
}

func DurationFlag(command *cobra.Command, name string) (time.Duration, bool, error) {
	flagSet, flag := locateFlag(command, name)
	if flag == nil {
		return 0, false, ErrFlagNotDefined
	}
	value, err := flagSet.GetDuration(name)
	if err != nil {
		return 0, false, err
	}
	return value, flag.Changed, nil
}

func locateFlag(command *cobra.Command, name string) (*pflag.FlagSet, *pflag.Flag) {
	if command == nil {
		return nil, nil
	}

	candidateSets := []*pflag.FlagSet{
		command.Flags(),
		command.PersistentFlags(),
		command.InheritedFlags(),
	}

	if root := command.Root(); root != nil {
		candidateSets = append(candidateSets, root.PersistentFlags())
	}

	for _, set := range candidateSets {
		if set == nil {
			continue
		}
		if flag := set.Lookup(name); flag != nil {
			return set, flag
		}
	}

	return nil, nil
}
