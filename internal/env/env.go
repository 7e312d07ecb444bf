package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const NotExists = "~!-===X===-!~"

// GetString retrieves the value of the environment variable named by the key.
// It returns the value, or if the variable is not present, it returns the defaultValue.
func GetString(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value
}

// GetBool returns true if the env variable with the key set and is truthy and
// defaultValue otherwise.
func GetBool(key string, defaultValue bool) bool {
	strValue := GetString(key, NotExists)
	if strValue == NotExists {
		return defaultValue
	}

	if strValue == "1" || strValue == "true" {
		return true
	}

	return false
}

// GetInt returns an integer if the env variable with the key set and contains
// an integer and defaultValue otherwise.
func GetInt(key string, defaultValue int) int {
	strValue := GetString(key, NotExists)
	if strValue == NotExists {
		return defaultValue
	}

	intValue, err := strconv.ParseInt(strValue, 10, 64)
	if err != nil {
		return defaultValue
	}

	return int(intValue)
}

// GetFloat returns a float if the env variable with the key set and contains
// a float and defaultValue otherwise.
func GetFloat(key string, defaultValue float64) float64 {
	strValue := GetString(key, NotExists)
	if strValue == NotExists {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(strValue, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}

// GetDuration parses the env variable as a time.Duration ("30s", "5m") and
// returns defaultValue if it is unset or malformed.
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := GetString(key, NotExists)
	if strValue == NotExists {
		return defaultValue
	}

	d, err := time.ParseDuration(strValue)
	if err != nil {
		return defaultValue
	}

	return d
}

// GetIntList parses a comma-separated list of integers, e.g. the
// days-of-month a collection run is triggered on.
func GetIntList(key string, defaultValue []int) []int {
	var values []int

	strOfValues := GetString(key, "")
	if strOfValues != "" {
		sliceOfStrValues := strings.Split(strOfValues, ",")
		for _, s := range sliceOfStrValues {
			v, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				continue
			}

			values = append(values, v)
		}
	}

	if values == nil {
		return defaultValue
	}

	return values
}
