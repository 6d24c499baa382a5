package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrDivisionByZero is returned by calculator.divide when the divisor is zero.
var ErrDivisionByZero = errors.New("division by zero")

// DefaultTools returns the calculator tool (add, subtract, multiply, divide over two numbers)
// and the weather tool (getTemperature for a city).
func DefaultTools() []Tool {
	return []Tool{
		{
			Name:        "calculator",
			Description: "Basic arithmetic on two numbers",
			Methods: map[string]ToolFunc{
				"add":      binary(func(a, b float64) (float64, error) { return a + b, nil }),
				"subtract": binary(func(a, b float64) (float64, error) { return a - b, nil }),
				"multiply": binary(func(a, b float64) (float64, error) { return a * b, nil }),
				"divide": binary(func(a, b float64) (float64, error) {
					if b == 0 {
						return 0, ErrDivisionByZero
					}
					return a / b, nil
				}),
			},
		},
		{
			Name:        "weather",
			Description: "Current weather by city",
			Methods: map[string]ToolFunc{
				"getTemperature": getTemperature,
			},
		},
	}
}

func binary(op func(a, b float64) (float64, error)) ToolFunc {
	return func(_ context.Context, params json.RawMessage) (any, error) {
		var args []float64
		if err := json.Unmarshal(params, &args); err != nil || len(args) != 2 {
			return nil, invalidParams("expected two numbers")
		}
		return op(args[0], args[1])
	}
}

func getTemperature(_ context.Context, params json.RawMessage) (any, error) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil || len(args) != 1 {
		return nil, invalidParams("expected a city name")
	}
	return fmt.Sprintf("%s의 현재 온도는 22°C입니다.", args[0]), nil
}

func invalidParams(msg string) error {
	return &statusError{
		status: http.StatusBadRequest,
		code:   CodeInvalidParams,
		err:    fmt.Errorf("invalid params: %s", msg),
	}
}
