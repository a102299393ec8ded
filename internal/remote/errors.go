package remote

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/go-sql-driver/mysql"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// MySQL server error numbers that mean the caller is not allowed to act.
var mysqlPermissionErrors = map[uint16]bool{
	1044: true, // ER_DBACCESS_DENIED_ERROR
	1045: true, // ER_ACCESS_DENIED_ERROR
	1142: true, // ER_TABLEACCESS_DENIED_ERROR
	1143: true, // ER_COLUMNACCESS_DENIED_ERROR
}

// MySQL server error numbers for malformed requests.
var mysqlValidationErrors = map[uint16]bool{
	1054: true, // ER_BAD_FIELD_ERROR
	1064: true, // ER_PARSE_ERROR
	3140: true, // ER_INVALID_JSON_TEXT
}

// classifyMySQL maps driver errors onto the core error taxonomy.
func classifyMySQL(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch {
		case mysqlPermissionErrors[myErr.Number]:
			return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
		case mysqlValidationErrors[myErr.Number]:
			return fmt.Errorf("%w: %v", core.ErrValidation, err)
		}
	}
	return err
}

// classifyDynamoDB maps AWS API errors onto the core error taxonomy.
func classifyDynamoDB(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "ResourceNotFoundException", "ConditionalCheckFailedException":
		return fmt.Errorf("%w: %v", core.ErrNotFound, err)
	case "AccessDeniedException", "UnrecognizedClientException", "MissingAuthenticationTokenException":
		return fmt.Errorf("%w: %v", core.ErrPermissionDenied, err)
	case "ValidationException", "SerializationException":
		return fmt.Errorf("%w: %v", core.ErrValidation, err)
	case "ProvisionedThroughputExceededException", "ThrottlingException",
		"RequestLimitExceeded", "InternalServerError", "ServiceUnavailable":
		return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	if apiErr.ErrorFault() == smithy.FaultServer {
		return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	return err
}
