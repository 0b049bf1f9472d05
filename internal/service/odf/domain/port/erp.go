package port

import "odf/internal/service/odf/domain"

// ErpRepository 是 ERP 数据库的出站端口
type ErpRepository = domain.ErpRepository
