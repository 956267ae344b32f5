package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RetrieveFields 提供检索任务的标识与重试次数字段。
func RetrieveFields(action, target, level string, attempt int) logrus.Fields {
	return logrus.Fields{
		"action":   action,
		"target":   target,
		"qr_level": level,
		"attempt":  attempt,
	}
}

// QueryFields 提供 C-FIND 请求的层级与分页字段。
func QueryFields(level string, offset, limit int) logrus.Fields {
	return logrus.Fields{
		"action":   "qido_query",
		"qr_level": level,
		"offset":   offset,
		"limit":    limit,
	}
}

// StoreFields 提供 C-STORE 入站对象字段。
func StoreFields(callingAE, remoteAddr, sopClassUID, sopInstanceUID string) logrus.Fields {
	return logrus.Fields{
		"action":       "scp_store",
		"calling_ae":   callingAE,
		"remote_addr":  remoteAddr,
		"sop_class":    sopClassUID,
		"sop_instance": sopInstanceUID,
	}
}
