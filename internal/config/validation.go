package config

import (
	"errors"
	"fmt"
	"strings"
)

// maxAETitleLength 是 DICOM AE 标题的长度上限。
const maxAETitleLength = 16

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if err := validatePort("Global.ListenPort", g.ListenPort); err != nil {
		return err
	}
	if g.WorkerPoolSize <= 0 {
		return newFieldError("Global.WorkerPoolSize", "必须大于 0")
	}
	if g.DimseDriver == "" {
		return newFieldError("Global.DimseDriver", "不能为空")
	}

	if err := validateRemote("Qido", c.Qido.RemoteConfig); err != nil {
		return err
	}
	if err := validateRemote("Wado", c.Wado.RemoteConfig); err != nil {
		return err
	}
	if c.Qido.URLBase == c.Wado.URLBase {
		return newFieldError("Wado.URLBase", fmt.Sprintf("不能与 Qido.URLBase 相同: %s", c.Wado.URLBase))
	}

	w := c.Wado
	if w.HTTPRetryAfter.DurationValue() < 0 {
		return newFieldError("Wado.HTTPRetryAfter", "不能为负数")
	}
	if w.RetryDelay.DurationValue() < 0 {
		return newFieldError("Wado.RetryDelay", "不能为负数")
	}
	if w.MaxRetryAttempts <= 0 {
		return newFieldError("Wado.MaxRetryAttempts", "必须大于 0")
	}
	if w.RetrieveTimeout.DurationValue() <= 0 {
		return newFieldError("Wado.RetrieveTimeout", "必须大于 0")
	}
	if w.PollInterval.DurationValue() <= 0 {
		return newFieldError("Wado.PollInterval", "必须大于 0")
	}
	if w.StaleEntryTimeout.DurationValue() < 0 {
		return newFieldError("Wado.StaleEntryTimeout", "不能为负数")
	}

	s := c.Scp
	if err := validateAETitle(sectionField("Scp", "LocalAETitle"), s.LocalAETitle); err != nil {
		return err
	}
	if err := validatePort("Scp.LocalPort", s.LocalPort); err != nil {
		return err
	}
	if s.CacheDirPath == "" {
		return newFieldError("Scp.CacheDirPath", "不能为空")
	}
	if s.CacheMaxAge.DurationValue() <= 0 {
		return newFieldError("Scp.CacheMaxAge", "必须大于 0")
	}
	if s.ReaperInterval.DurationValue() <= 0 {
		return newFieldError("Scp.ReaperInterval", "必须大于 0")
	}
	return nil
}

func validateRemote(section string, r RemoteConfig) error {
	if err := validateAETitle(sectionField(section, "LocalAETitle"), r.LocalAETitle); err != nil {
		return err
	}
	if err := validateAETitle(sectionField(section, "RemoteAETitle"), r.RemoteAETitle); err != nil {
		return err
	}
	if r.RemoteHost == "" {
		return newFieldError(sectionField(section, "RemoteHost"), "不能为空")
	}
	if strings.Contains(r.RemoteHost, "://") {
		return newFieldError(sectionField(section, "RemoteHost"), "不应包含协议头")
	}
	return validatePort(sectionField(section, "RemotePort"), r.RemotePort)
}

func validateAETitle(field, title string) error {
	if title == "" {
		return newFieldError(field, "不能为空")
	}
	if len(title) > maxAETitleLength {
		return newFieldError(field, fmt.Sprintf("长度不能超过 %d", maxAETitleLength))
	}
	if strings.ContainsAny(title, "\\") {
		return newFieldError(field, "不能包含反斜杠")
	}
	return nil
}

func validatePort(field string, port int) error {
	if port <= 0 || port > 65535 {
		return newFieldError(field, "必须在 1-65535")
	}
	return nil
}
